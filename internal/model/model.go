package model

import (
	"errors"
	"fmt"
)

var (
	ErrMissingOrderID    = errors.New("order id missing")
	ErrMissingCustomerID = errors.New("customer id missing")
)

// Customer is the buyer block nested inside a raw order.
type Customer struct {
	CustomerID string `json:"customerId"`
	City       string `json:"city"`
	State      string `json:"state"`
	Pincode    string `json:"pincode"`
}

// Item is one entry of an order's line-items array.
type Item struct {
	ItemID    int64   `json:"itemId"`
	ProductID string  `json:"productId"`
	Quantity  int64   `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is the raw nested input record produced by the generator.
type Order struct {
	OrderID  string   `json:"orderId"`
	Customer Customer `json:"customer"`
	Items    []Item   `json:"items"`
	TS       int64    `json:"ts"`
}

// OrderLine is one order item flattened into a standalone row.
// Immutable once produced.
type OrderLine struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	Pincode    string  `json:"pincode"`
	ItemID     int64   `json:"itemId"`
	ProductID  string  `json:"productId"`
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price"`
	Subtotal   float64 `json:"subtotal"`
}

// Flatten explodes an order's items array into one OrderLine per item.
// Subtotal is computed here so downstream stages never re-derive it.
func Flatten(o Order) []OrderLine {
	lines := make([]OrderLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, OrderLine{
			OrderID:    o.OrderID,
			CustomerID: o.Customer.CustomerID,
			City:       o.Customer.City,
			State:      o.Customer.State,
			Pincode:    o.Customer.Pincode,
			ItemID:     it.ItemID,
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			Price:      it.Price,
			Subtotal:   float64(it.Quantity) * it.Price,
		})
	}
	return lines
}

// Validate reports whether the line carries the keys the merge depends on.
func (l OrderLine) Validate() error {
	if l.CustomerID == "" {
		return ErrMissingCustomerID
	}
	if l.OrderID == "" {
		return fmt.Errorf("customer %s: %w", l.CustomerID, ErrMissingOrderID)
	}
	return nil
}
