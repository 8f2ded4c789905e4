package models

import "time"

// OfferStatus is the lifecycle state of a price offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// DefaultOfferTTL applies when an offer is created without an expiry.
const DefaultOfferTTL = 24 * time.Hour

// DefaultCurrency applies when an offer is created without a currency.
const DefaultCurrency = "USD"

// Offer is the price proposal carried by an offer message.
type Offer struct {
	Amount      float64     `json:"amount"`
	Currency    string      `json:"currency"`
	Status      OfferStatus `json:"status"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedBy *int        `json:"responded_by,omitempty"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// OfferInput is what a client submits when making an offer.
type OfferInput struct {
	Amount    float64    `json:"amount"`
	Currency  string     `json:"currency,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Build turns the input into a pending offer created at now.
func (in OfferInput) Build(now time.Time) Offer {
	o := Offer{
		Amount:    in.Amount,
		Currency:  in.Currency,
		Status:    OfferPending,
		ExpiresAt: now.Add(DefaultOfferTTL),
	}
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.IsZero() {
		o.ExpiresAt = *in.ExpiresAt
	}
	return o
}

// EffectiveStatus is the status readers must act on: a pending offer past
// its expiry is expired regardless of what is stored.
func (o Offer) EffectiveStatus(now time.Time) OfferStatus {
	if o.Status == OfferPending && !now.Before(o.ExpiresAt) {
		return OfferExpired
	}
	return o.Status
}

// CanRespond reports whether the offer may still move to accepted or declined.
func (o Offer) CanRespond(now time.Time) bool {
	return o.EffectiveStatus(now) == OfferPending
}
