package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	xerrors "tariff-service/pkg/xerrors"
)

type TariffType string

const (
	TariffTypeGateIn     TariffType = "gate_in"
	TariffTypeGateOut    TariffType = "gate_out"
	TariffTypeStorage    TariffType = "storage"
	TariffTypeHandling   TariffType = "handling"
	TariffTypeDemurrage  TariffType = "demurrage"
	TariffTypeDetention  TariffType = "detention"
	TariffTypeReefer     TariffType = "reefer"
	TariffTypeInspection TariffType = "inspection"
)

// codePrefixes maps each tariff type to the short prefix used in tariff codes,
// e.g. storage -> TR-ST-2024-001.
var codePrefixes = map[TariffType]string{
	TariffTypeGateIn:     "GI",
	TariffTypeGateOut:    "GO",
	TariffTypeStorage:    "ST",
	TariffTypeHandling:   "HD",
	TariffTypeDemurrage:  "DM",
	TariffTypeDetention:  "DT",
	TariffTypeReefer:     "RF",
	TariffTypeInspection: "IN",
}

func (t TariffType) IsValid() bool {
	_, ok := codePrefixes[t]
	return ok
}

func (t TariffType) CodePrefix() string {
	return codePrefixes[t]
}

// BuildTariffCode formats a tariff code for a type/year/sequence namespace.
func BuildTariffCode(t TariffType, year, seq int) string {
	return fmt.Sprintf("TR-%s-%d-%03d", t.CodePrefix(), year, seq)
}

type PricingModel string

const (
	PricingModelFixed       PricingModel = "fixed"
	PricingModelVariable    PricingModel = "variable"
	PricingModelTiered      PricingModel = "tiered"
	PricingModelVolumeBased PricingModel = "volume_based"
	PricingModelTimeBased   PricingModel = "time_based"
	PricingModelWeightBased PricingModel = "weight_based"
	PricingModelDistance    PricingModel = "distance_based"
)

func (m PricingModel) IsValid() bool {
	switch m {
	case PricingModelFixed, PricingModelVariable, PricingModelTiered,
		PricingModelVolumeBased, PricingModelTimeBased, PricingModelWeightBased,
		PricingModelDistance:
		return true
	}
	return false
}

type TariffStatus string

const (
	StatusDraft      TariffStatus = "draft"
	StatusActive     TariffStatus = "active"
	StatusInactive   TariffStatus = "inactive"
	StatusExpired    TariffStatus = "expired"
	StatusSuperseded TariffStatus = "superseded"
)

// allowedTransitions is the lifecycle adjacency table. Superseded is terminal.
var allowedTransitions = map[TariffStatus][]TariffStatus{
	StatusDraft:      {StatusActive, StatusInactive},
	StatusActive:     {StatusInactive, StatusExpired, StatusSuperseded},
	StatusInactive:   {StatusActive, StatusExpired},
	StatusExpired:    {StatusSuperseded},
	StatusSuperseded: {},
}

// CanTransitionTo is the single validation entry point for status changes.
func (s TariffStatus) CanTransitionTo(next TariffStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s TariffStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// RateTier is one band of a tiered pricing structure. MaxQuantity nil means
// the tier is open-ended.
type RateTier struct {
	MinQuantity  decimal.Decimal  `json:"min_quantity"`
	MaxQuantity  *decimal.Decimal `json:"max_quantity,omitempty"`
	PricePerUnit decimal.Decimal  `json:"price_per_unit"`
	FlatFee      *decimal.Decimal `json:"flat_fee,omitempty"`
}

// Capacity returns how many units the tier covers, or nil when open-ended.
// Capacity = max - min + 1.
func (t RateTier) Capacity() *decimal.Decimal {
	if t.MaxQuantity == nil {
		return nil
	}
	c := t.MaxQuantity.Sub(t.MinQuantity).Add(decimal.NewFromInt(1))
	return &c
}

type TimeSlot struct {
	Name            string          `json:"name"`
	Days            []string        `json:"days,omitempty"`
	StartHour       int             `json:"start_hour"`
	EndHour         int             `json:"end_hour"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
}

// VolumeBand is a pricing-structure level discount band; at most one band
// ever applies to a given quantity.
type VolumeBand struct {
	MinVolume     decimal.Decimal  `json:"min_volume"`
	MaxVolume     *decimal.Decimal `json:"max_volume,omitempty"`
	DiscountType  DiscountType     `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
}

// Contains reports whether quantity falls inside [MinVolume, MaxVolume].
func (b VolumeBand) Contains(quantity decimal.Decimal) bool {
	if quantity.LessThan(b.MinVolume) {
		return false
	}
	if b.MaxVolume != nil && quantity.GreaterThan(*b.MaxVolume) {
		return false
	}
	return true
}

// PricingStructure is the model-dependent configuration blob. Stored as JSONB;
// which part is consulted depends on the tariff's pricing model.
type PricingStructure struct {
	Tiers       []RateTier   `json:"tiers,omitempty"`
	TimeSlots   []TimeSlot   `json:"time_slots,omitempty"`
	VolumeBands []VolumeBand `json:"volume_bands,omitempty"`
}

// ValidateFor checks the structure carries what the pricing model needs.
func (ps *PricingStructure) ValidateFor(model PricingModel) error {
	switch model {
	case PricingModelTiered:
		if ps == nil || len(ps.Tiers) == 0 {
			return &xerrors.ValidationError{Field: "pricing_structure", Detail: "tiered model requires rate tiers"}
		}
		for i, tier := range ps.Tiers {
			if tier.MaxQuantity != nil && tier.MaxQuantity.LessThan(tier.MinQuantity) {
				return &xerrors.ValidationError{
					Field:  "pricing_structure",
					Detail: fmt.Sprintf("tier %d: max_quantity below min_quantity", i),
				}
			}
			if tier.PricePerUnit.IsNegative() {
				return &xerrors.ValidationError{
					Field:  "pricing_structure",
					Detail: fmt.Sprintf("tier %d: negative price_per_unit", i),
				}
			}
		}
	case PricingModelTimeBased:
		if ps == nil || len(ps.TimeSlots) == 0 {
			return &xerrors.ValidationError{Field: "pricing_structure", Detail: "time based model requires time slots"}
		}
		for i, slot := range ps.TimeSlots {
			if slot.Name == "" {
				return &xerrors.ValidationError{
					Field:  "pricing_structure",
					Detail: fmt.Sprintf("time slot %d: name required", i),
				}
			}
		}
	case PricingModelVolumeBased:
		if ps == nil || len(ps.VolumeBands) == 0 {
			return &xerrors.ValidationError{Field: "pricing_structure", Detail: "volume based model requires volume bands"}
		}
	}
	return nil
}

// FindTimeSlot returns the configured slot with the given name, or nil.
func (ps *PricingStructure) FindTimeSlot(name string) *TimeSlot {
	if ps == nil {
		return nil
	}
	for i := range ps.TimeSlots {
		if ps.TimeSlots[i].Name == name {
			return &ps.TimeSlots[i]
		}
	}
	return nil
}

// DiscountRule is one entry of the ordered discount policy, distinct from the
// pricing-structure volume bands. Rules are applied in order; a non-stackable
// rule, once applied, suppresses all subsequent rules.
type DiscountRule struct {
	ThresholdQuantity decimal.Decimal  `json:"threshold_quantity"`
	DiscountType      DiscountType     `json:"discount_type"`
	Value             decimal.Decimal  `json:"value"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	Stackable         bool             `json:"stackable"`
	Description       string           `json:"description,omitempty"`
}

type TaxConfig struct {
	Taxable      bool            `json:"taxable"`
	Rate         decimal.Decimal `json:"rate"` // percentage, e.g. 16 = 16%
	Jurisdiction string          `json:"jurisdiction,omitempty"`
}

// ApplicableConditions narrow which requests a tariff may serve. Consulted only
// by applicability selection, never by pricing.
type ApplicableConditions struct {
	ContainerTypes []string         `json:"container_types,omitempty"`
	MinWeight      *decimal.Decimal `json:"min_weight,omitempty"`
	MaxWeight      *decimal.Decimal `json:"max_weight,omitempty"`
	HolidaysOnly   bool             `json:"holidays_only,omitempty"`
}

// AllowsContainerType reports whether the allow-list admits containerType.
// An absent or empty allow-list admits everything.
func (c *ApplicableConditions) AllowsContainerType(containerType string) bool {
	if c == nil || len(c.ContainerTypes) == 0 {
		return true
	}
	for _, ct := range c.ContainerTypes {
		if ct == containerType {
			return true
		}
	}
	return false
}

// Tariff is a versioned pricing rule for one service type, optionally scoped
// to a client, valid over a date window.
type Tariff struct {
	ID            int64        `json:"id"`
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	TariffType    TariffType   `json:"tariff_type"`
	PricingModel  PricingModel `json:"pricing_model"`
	UnitOfMeasure string       `json:"unit_of_measure,omitempty"`
	Currency      string       `json:"currency"`
	ClientID      *string      `json:"client_id,omitempty"` // nil = general tariff
	ClientName    *string      `json:"client_name,omitempty"`

	EffectiveDate time.Time  `json:"effective_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"` // nil = open ended

	BasePrice        decimal.Decimal       `json:"base_price"`
	MinimumCharge    *decimal.Decimal      `json:"minimum_charge,omitempty"`
	MaximumCharge    *decimal.Decimal      `json:"maximum_charge,omitempty"`
	PricingStructure *PricingStructure     `json:"pricing_structure,omitempty"`
	DiscountPolicy   []DiscountRule        `json:"discount_policy,omitempty"`
	Tax              TaxConfig             `json:"tax"`
	Conditions       *ApplicableConditions `json:"applicable_conditions,omitempty"`

	Status             TariffStatus `json:"status"`
	DeactivationReason *string      `json:"deactivation_reason,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WindowContains reports whether at falls inside the validity window.
func (t *Tariff) WindowContains(at time.Time) bool {
	if at.Before(t.EffectiveDate) {
		return false
	}
	if t.ExpiryDate != nil && at.After(*t.ExpiryDate) {
		return false
	}
	return true
}

// IsActiveAt is the pricing gate: status active AND within the validity window.
func (t *Tariff) IsActiveAt(at time.Time) bool {
	return t.Status == StatusActive && t.WindowContains(at)
}

func (t *Tariff) IsClientSpecific() bool {
	return t.ClientID != nil && *t.ClientID != ""
}

// OverlapsWindow applies the interval overlap test against another validity
// window, treating an absent expiry as +inf:
// a.start <= b.end AND b.start <= a.end.
func (t *Tariff) OverlapsWindow(start time.Time, end *time.Time) bool {
	if end != nil && t.EffectiveDate.After(*end) {
		return false
	}
	if t.ExpiryDate != nil && start.After(*t.ExpiryDate) {
		return false
	}
	return true
}

// TariffCreate is the input for creating a tariff. Code and status are
// engine-assigned; tariffs are always created in draft.
type TariffCreate struct {
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	TariffType    TariffType   `json:"tariff_type"`
	PricingModel  PricingModel `json:"pricing_model"`
	UnitOfMeasure string       `json:"unit_of_measure,omitempty"`
	Currency      string       `json:"currency"`
	ClientID      *string      `json:"client_id,omitempty"`
	ClientName    *string      `json:"client_name,omitempty"`

	EffectiveDate time.Time  `json:"effective_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`

	BasePrice        decimal.Decimal       `json:"base_price"`
	MinimumCharge    *decimal.Decimal      `json:"minimum_charge,omitempty"`
	MaximumCharge    *decimal.Decimal      `json:"maximum_charge,omitempty"`
	PricingStructure *PricingStructure     `json:"pricing_structure,omitempty"`
	DiscountPolicy   []DiscountRule        `json:"discount_policy,omitempty"`
	Tax              TaxConfig             `json:"tax"`
	Conditions       *ApplicableConditions `json:"applicable_conditions,omitempty"`
}

// Validate checks the creation input, including date ordering and the
// structure-vs-model invariant.
func (c *TariffCreate) Validate() error {
	if c.TariffType == "" {
		return xerrors.ErrTariffTypeRequired
	}
	if !c.TariffType.IsValid() {
		return xerrors.ErrUnknownTariffType
	}
	if !c.PricingModel.IsValid() {
		return xerrors.ErrUnknownPricingModel
	}
	if c.EffectiveDate.IsZero() {
		return xerrors.ErrEffectiveDateRequired
	}
	if c.ExpiryDate != nil && !c.ExpiryDate.After(c.EffectiveDate) {
		return xerrors.ErrExpiryBeforeEffective
	}
	if c.BasePrice.IsNegative() {
		return &xerrors.ValidationError{Field: "base_price", Detail: "must not be negative"}
	}
	if c.MinimumCharge != nil && c.MaximumCharge != nil && c.MinimumCharge.GreaterThan(*c.MaximumCharge) {
		return &xerrors.ValidationError{Field: "minimum_charge", Detail: "exceeds maximum_charge"}
	}
	return c.PricingStructure.ValidateFor(c.PricingModel)
}

// TariffUpdate is a patch; nil fields are left unchanged. Status, when set,
// must be a legal lifecycle transition from the current status.
type TariffUpdate struct {
	Name          *string    `json:"name,omitempty"`
	Description   *string    `json:"description,omitempty"`
	UnitOfMeasure *string    `json:"unit_of_measure,omitempty"`
	Currency      *string    `json:"currency,omitempty"`
	ClientName    *string    `json:"client_name,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	// ClearExpiryDate makes the tariff open-ended again; a nil ExpiryDate
	// alone means "unchanged".
	ClearExpiryDate bool          `json:"clear_expiry_date,omitempty"`
	Status          *TariffStatus `json:"status,omitempty"`

	BasePrice        *decimal.Decimal      `json:"base_price,omitempty"`
	MinimumCharge    *decimal.Decimal      `json:"minimum_charge,omitempty"`
	MaximumCharge    *decimal.Decimal      `json:"maximum_charge,omitempty"`
	PricingStructure *PricingStructure     `json:"pricing_structure,omitempty"`
	DiscountPolicy   []DiscountRule        `json:"discount_policy,omitempty"`
	Tax              *TaxConfig            `json:"tax,omitempty"`
	Conditions       *ApplicableConditions `json:"applicable_conditions,omitempty"`
}

// TariffFilter is the composable predicate for Search.
type TariffFilter struct {
	TariffType    *TariffType
	Status        *TariffStatus
	PricingModel  *PricingModel
	ClientID      *string
	Currency      *string
	UnitOfMeasure *string

	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	ExpiryFrom    *time.Time
	ExpiryTo      *time.Time

	MinBasePrice *decimal.Decimal
	MaxBasePrice *decimal.Decimal

	// ActiveAt filters to tariffs whose status is active and whose validity
	// window contains the instant.
	ActiveAt *time.Time
	// ExpiringWithin keeps active tariffs whose expiry falls inside the next
	// given number of days.
	ExpiringWithinDays *int

	// Query free-text matches code, name, description and client name.
	Query *string

	Limit  int
	Offset int
}

// TariffVersion is one append-only version history entry. Entries are recorded
// only for significant field changes and never mutated or removed.
type TariffVersion struct {
	ID        int64     `json:"id"`
	TariffID  int64     `json:"tariff_id"`
	Version   int       `json:"version"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}
