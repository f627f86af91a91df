// Package generator produces fake message bodies for load and smoke tests.
package generator

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OrderType is the message type used for generated orders.
const OrderType = "easybus.sample.order_placed"

// Order is a sample domain event filled with fake data.
type Order struct {
	PlacedAt time.Time `json:"placedAt"`
	OrderID  string    `json:"orderId" fake:"{uuid}"`
	Customer string    `json:"customer" fake:"{name}"`
	Email    string    `json:"email" fake:"{email}"`
	Product  string    `json:"product" fake:"{productname}"`
	City     string    `json:"city" fake:"{city}"`
	Price    float64   `json:"price" fake:"{price:1,500}"`
	Quantity int       `json:"quantity" fake:"{number:1,10}"`
}

// NewOrder returns an order with random contents placed now.
func NewOrder() (*Order, error) {
	var order Order
	if err := gofakeit.Struct(&order); err != nil {
		return nil, err
	}
	order.PlacedAt = time.Now().UTC()
	return &order, nil
}

// OrderBody returns a JSON encoded random order.
func OrderBody() ([]byte, error) {
	order, err := NewOrder()
	if err != nil {
		return nil, err
	}
	return json.Marshal(order)
}
