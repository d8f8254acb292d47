package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRequest carries the billable quantity plus the optional extras some
// pricing models need.
type PriceRequest struct {
	Quantity      decimal.Decimal  `json:"quantity"`
	ContainerType *string          `json:"container_type,omitempty"`
	Weight        *decimal.Decimal `json:"weight,omitempty"`
	ServiceDate   *time.Time       `json:"service_date,omitempty"`
	TimeSlot      *string          `json:"time_slot,omitempty"`
}

// AppliedDiscount records one discount-policy rule that contributed to the
// total discount.
type AppliedDiscount struct {
	ThresholdQuantity decimal.Decimal `json:"threshold_quantity"`
	DiscountType      DiscountType    `json:"discount_type"`
	Value             decimal.Decimal `json:"value"`
	Amount            decimal.Decimal `json:"amount"`
	Capped            bool            `json:"capped,omitempty"`
	Stackable         bool            `json:"stackable"`
	Description       string          `json:"description,omitempty"`
}

// PriceAdjustment records a min/max charge clamp delta.
type PriceAdjustment struct {
	Kind   string          `json:"kind"` // minimum_charge | maximum_charge
	Amount decimal.Decimal `json:"amount"`
}

// PriceBreakdown is the result of pricing a quantity against a tariff.
// TotalAmount = BaseAmount - DiscountAmount + TaxAmount.
type PriceBreakdown struct {
	CalculationRef string `json:"calculation_ref"`
	TariffID       int64  `json:"tariff_id"`
	TariffCode     string `json:"tariff_code"`
	Currency       string `json:"currency"`

	BaseAmount     decimal.Decimal `json:"base_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`

	AppliedDiscounts []AppliedDiscount `json:"applied_discounts,omitempty"`
	Adjustments      []PriceAdjustment `json:"adjustments,omitempty"`

	CalculatedFrom string `json:"calculated_from"`
}
