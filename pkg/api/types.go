package api

import (
	"reflect"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tally/pkg/access"
	"github.com/platinummonkey/tally/pkg/metering"
)

// recordUsageRequest is the body of POST /v1/accounts/{id}/usage. The
// account comes from the path.
type recordUsageRequest struct {
	RequestID       string            `json:"request_id"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	InputUnits      int64             `json:"input_units"`
	OutputUnits     int64             `json:"output_units"`
	InputUnitPrice  *decimal.Decimal  `json:"input_unit_price,omitempty"`
	OutputUnitPrice *decimal.Decimal  `json:"output_unit_price,omitempty"`
	Category        metering.Category `json:"category,omitempty"`
}

// accessCheckRequest is the body of POST /v1/accounts/{id}/access/check
type accessCheckRequest struct {
	Action   access.Action   `json:"action" validate:"required,oneof=chat ingest open"`
	Resource access.Resource `json:"resource"`
}

// accessRecordRequest is the body of POST /v1/accounts/{id}/access/record
type accessRecordRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
}

// scopeRequest is the body of POST /v1/accounts/{id}/scope
type scopeRequest struct {
	ScopeIDs []string `json:"scope_ids" validate:"required,min=1,dive,required"`
}

// cancelRequest is the optional body of POST /v1/accounts/{id}/cancel
type cancelRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// jobResponse is returned by POST /v1/admin/jobs/{job}
type jobResponse struct {
	Job    string      `json:"job"`
	Result interface{} `json:"result"`
}

type reloadResponse struct {
	Tiers int `json:"tiers"`
}

func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}
