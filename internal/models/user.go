package models

// User is the identity resolved from a bearer credential.
type User struct {
	ID          int    `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Active      bool   `json:"active"`
}

// Item is the catalog view of a listing under discussion.
type Item struct {
	ID           int     `json:"id"`
	SellerID     int     `json:"seller_id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	PrimaryImage string  `json:"primary_image,omitempty"`
	Status       string  `json:"status,omitempty"`
}
