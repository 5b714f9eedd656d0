package model

// Product is an immutable snapshot of a listing for one checkout attempt.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	Price    float64 `json:"price,omitempty"`
	Quantity int     `json:"quantity"`
}

func NewProduct(id, name, url string) Product {
	return Product{ID: id, Name: name, URL: url, Quantity: 1}
}

func (p Product) WithPrice(price float64) Product {
	p.Price = price
	return p
}

func (p Product) WithQuantity(qty int) Product {
	if qty <= 0 {
		qty = 1
	}
	p.Quantity = qty
	return p
}
