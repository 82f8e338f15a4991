package domain

import "time"

// DefaultCartKey is the storage slot used when the caller does not name a cart.
const DefaultCartKey = "@RocketShoes:cart"

// LineItem is a product copied from the catalog plus the quantity in the cart.
// It serializes flat: {"id","title","price","image","amount"}.
type LineItem struct {
	Product `bson:",inline"`
	Amount  int `json:"amount" bson:"amount"`
}

// Cart is an ordered snapshot of line items. Version is the persisted
// revision; 0 means nothing has been saved under the key yet.
type Cart struct {
	Items   []LineItem `json:"items"`
	Version int64      `json:"version"`
}

// Find returns the index of the line item with the given product id, or -1.
func (c Cart) Find(productID int64) int {
	for i, item := range c.Items {
		if item.ID == productID {
			return i
		}
	}
	return -1
}

// Clone returns a copy whose Items slice can be mutated freely.
func (c Cart) Clone() Cart {
	items := make([]LineItem, len(c.Items))
	copy(items, c.Items)
	return Cart{Items: items, Version: c.Version}
}

// TotalAmount is the sum of all line item amounts.
func (c Cart) TotalAmount() int {
	total := 0
	for _, item := range c.Items {
		total += item.Amount
	}
	return total
}

type EventType string

const (
	EventProductAdded   EventType = "product_added"
	EventProductRemoved EventType = "product_removed"
	EventAmountUpdated  EventType = "amount_updated"
)

// CartEvent describes a committed cart mutation.
type CartEvent struct {
	CartKey    string    `json:"cart_key"`
	Type       EventType `json:"type"`
	ProductID  int64     `json:"product_id"`
	Amount     int       `json:"amount"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}
