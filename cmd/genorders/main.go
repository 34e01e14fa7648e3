package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Owengerald/spark-streaming-retail-project/internal/model"
	"github.com/Owengerald/spark-streaming-retail-project/pkg/logging"
)

// places the synthetic customers ship to
var places = []model.Customer{
	{City: "Bengaluru", State: "Karnataka", Pincode: "560001"},
	{City: "Mumbai", State: "Maharashtra", Pincode: "400001"},
	{City: "Delhi", State: "Delhi", Pincode: "110001"},
	{City: "Chennai", State: "Tamil Nadu", Pincode: "600001"},
	{City: "Hyderabad", State: "Telangana", Pincode: "500001"},
	{City: "Pune", State: "Maharashtra", Pincode: "411001"},
}

var products = []string{"p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08"}

func main() {
	var (
		count      int
		customers  int
		maxItems   int
		outputFile string
		bootstrap  string
		topic      string
		seed       int64
		logLevel   string
	)
	flag.IntVar(&count, "count", 100, "number of orders to generate")
	flag.IntVar(&customers, "customers", 10, "number of distinct customers")
	flag.IntVar(&maxItems, "max-items", 5, "max line items per order")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "output file")
	flag.StringVar(&bootstrap, "kafka-bootstrap", "", "kafka bootstrap servers; when set, orders go to kafka instead of the file")
	flag.StringVar(&topic, "topic", "retail.orders", "kafka topic for generated orders")
	flag.Int64Var(&seed, "seed", 0, "rng seed (0 means time-based)")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logLevel)
	defer log.Sync()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	orders := generate(rng, count, customers, maxItems)

	var err error
	if bootstrap != "" {
		err = produceKafka(bootstrap, topic, orders)
	} else {
		err = writeFile(outputFile, orders)
	}
	if err != nil {
		log.Fatalw("generation failed", "error", err)
	}
	dest := outputFile
	if bootstrap != "" {
		dest = "kafka topic " + topic
	}
	log.Infow("orders generated", "count", count, "customers", customers, "dest", dest, "seed", seed)
}

func generate(rng *rand.Rand, count, customers, maxItems int) []model.Order {
	base := time.Now().UTC().Unix()
	out := make([]model.Order, 0, count)
	for i := 0; i < count; i++ {
		custN := rng.Intn(customers)
		cust := places[custN%len(places)]
		cust.CustomerID = fmt.Sprintf("c%03d", custN+1)

		n := 1 + rng.Intn(maxItems)
		items := make([]model.Item, 0, n)
		for j := 0; j < n; j++ {
			items = append(items, model.Item{
				ItemID:    int64(j + 1),
				ProductID: products[rng.Intn(len(products))],
				Quantity:  int64(1 + rng.Intn(4)),
				Price:     float64(100+rng.Intn(4900)) / 100 * 10, // 10.00-499.00
			})
		}
		out = append(out, model.Order{
			OrderID:  uuid.NewString(),
			Customer: cust,
			Items:    items,
			TS:       base + int64(i*10),
		})
	}
	return out
}

func writeFile(path string, orders []model.Order) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range orders {
		if err := enc.Encode(&orders[i]); err != nil {
			return fmt.Errorf("encode order %d: %w", i+1, err)
		}
	}
	return nil
}

func produceKafka(bootstrap, topic string, orders []model.Order) error {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()

	msgs := make([]kafka.Message, 0, len(orders))
	for i := range orders {
		b, err := json.Marshal(&orders[i])
		if err != nil {
			return fmt.Errorf("marshal order %d: %w", i+1, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(orders[i].Customer.CustomerID), Value: b})
	}
	if err := w.WriteMessages(context.Background(), msgs...); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}
