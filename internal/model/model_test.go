package model

import (
	"errors"
	"testing"
)

func TestFlatten_OneLinePerItem(t *testing.T) {
	o := Order{
		OrderID: "o100",
		Customer: Customer{
			CustomerID: "c1",
			City:       "Bengaluru",
			State:      "Karnataka",
			Pincode:    "560001",
		},
		Items: []Item{
			{ItemID: 1, ProductID: "p1", Quantity: 2, Price: 5},
			{ItemID: 2, ProductID: "p2", Quantity: 1, Price: 20},
		},
		TS: 1694500000,
	}

	lines := Flatten(o)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d", len(lines))
	}
	if lines[0].Subtotal != 10 || lines[1].Subtotal != 20 {
		t.Fatalf("bad subtotals: %v %v", lines[0].Subtotal, lines[1].Subtotal)
	}
	for _, l := range lines {
		if l.OrderID != "o100" || l.CustomerID != "c1" || l.Pincode != "560001" {
			t.Fatalf("customer fields not carried onto line: %+v", l)
		}
	}
}

func TestFlatten_EmptyItems(t *testing.T) {
	lines := Flatten(Order{OrderID: "o1", Customer: Customer{CustomerID: "c1"}})
	if len(lines) != 0 {
		t.Fatalf("want no lines, got %d", len(lines))
	}
}

func TestValidate_MissingKeys(t *testing.T) {
	ok := OrderLine{OrderID: "o1", CustomerID: "c1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid line rejected: %v", err)
	}

	if err := (OrderLine{OrderID: "o1"}).Validate(); !errors.Is(err, ErrMissingCustomerID) {
		t.Fatalf("want ErrMissingCustomerID, got %v", err)
	}
	if err := (OrderLine{CustomerID: "c1"}).Validate(); !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("want ErrMissingOrderID, got %v", err)
	}
}
