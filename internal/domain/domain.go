package domain

import "time"

// DateLayout is the calendar date format stored for contract start/end dates.
const DateLayout = "2006-01-02"

const (
	StatusDraft     = "Draft"
	StatusActive    = "Active"
	StatusPending   = "Pending"
	StatusCompleted = "Completed"
	StatusExpired   = "Expired"
)

type Contract struct {
	ID          string  `json:"id"`
	ClientName  string  `json:"client_name"`
	StartDate   string  `json:"start_date" format:"date"`
	EndDate     string  `json:"end_date" format:"date"`
	Value       float64 `json:"value" minimum:"0"`
	Status      string  `json:"status"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Start parses StartDate.
func (c Contract) Start() (time.Time, error) {
	return time.Parse(DateLayout, c.StartDate)
}

// End parses EndDate.
func (c Contract) End() (time.Time, error) {
	return time.Parse(DateLayout, c.EndDate)
}

const (
	EventContractCreated = "contract.created"
	EventContractUpdated = "contract.updated"
	EventContractDeleted = "contract.deleted"
)

type ChangeEvent struct {
	Type       string `json:"type"`
	ContractID string `json:"contract_id"`
	Field      string `json:"field,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}
