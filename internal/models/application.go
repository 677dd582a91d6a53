// internal/models/application.go
package models

import "time"

// Application is a loan application card on the pipeline board.
type Application struct {
	ID              string    `json:"id"`
	BusinessName    string    `json:"businessName"`
	RequestedAmount float64   `json:"requestedAmount"`
	Stage           Stage     `json:"stage"`
	ContactName     string    `json:"contactName"`
	ContactEmail    string    `json:"contactEmail"`
	ContactPhone    string    `json:"contactPhone"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewApplication is the intake payload.
type NewApplication struct {
	BusinessName    string  `json:"businessName"`
	RequestedAmount float64 `json:"requestedAmount"`
	ContactName     string  `json:"contactName,omitempty"`
	ContactEmail    string  `json:"contactEmail,omitempty"`
	ContactPhone    string  `json:"contactPhone,omitempty"`
	Actor           string  `json:"actor,omitempty"`
}

// Contact returns the display contact for a board card.
func (a Application) Contact() string {
	switch {
	case a.ContactName != "" && a.ContactEmail != "":
		return a.ContactName + " <" + a.ContactEmail + ">"
	case a.ContactName != "":
		return a.ContactName
	default:
		return a.ContactEmail
	}
}
