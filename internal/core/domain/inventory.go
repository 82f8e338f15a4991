package domain

// Product is a catalog record as served by GET /products/{id}.
type Product struct {
	ID    int64   `json:"id" bson:"id"`
	Title string  `json:"title" bson:"title"`
	Price float64 `json:"price" bson:"price"`
	Image string  `json:"image" bson:"image"`
}

// Stock is the available quantity for a product, served by GET /stock/{id}.
type Stock struct {
	ID     int64 `json:"id"`
	Amount int   `json:"amount"`
}

// Covers reports whether the stock can satisfy the requested amount.
func (s Stock) Covers(amount int) bool {
	return s.Amount >= amount
}
