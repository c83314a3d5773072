package metering

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category tags a usage event with the kind of work it paid for
type Category string

const (
	CategoryChat      Category = "chat"
	CategoryIngestion Category = "ingestion"
)

// Usage is the raw unit count reported by a provider for one request
type Usage struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
}

// Pricing is the per-unit price of a provider model in the reference currency
type Pricing struct {
	InputUnitPrice  decimal.Decimal `json:"input_unit_price"`
	OutputUnitPrice decimal.Decimal `json:"output_unit_price"`
}

// UsageEvent is the append-only record of one metered request
type UsageEvent struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	SubscriptionID  string          `json:"subscription_id"`
	RequestID       string          `json:"request_id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	InputUnits      int64           `json:"input_units"`
	OutputUnits     int64           `json:"output_units"`
	InputUnitPrice  decimal.Decimal `json:"input_unit_price"`
	OutputUnitPrice decimal.Decimal `json:"output_unit_price"`
	Cost            decimal.Decimal `json:"cost"`
	Category        Category        `json:"category"`
	CreatedAt       time.Time       `json:"created_at"`
}
