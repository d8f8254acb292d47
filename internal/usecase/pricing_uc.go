package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tariff-service/internal/domain"
	"tariff-service/internal/repository"
	xerrors "tariff-service/pkg/xerrors"
)

var hundred = decimal.NewFromInt(100)

// PricingUsecase runs applicability selection and price calculation. Both are
// pure read/compute paths: no shared mutable state, safe to run fully in
// parallel across requests.
type PricingUsecase struct {
	tariffRepo repository.TariffRepository
	cache      TariffCache
	logger     *zap.Logger
}

func NewPricingUsecase(
	tariffRepo repository.TariffRepository,
	cache TariffCache,
	logger *zap.Logger,
) *PricingUsecase {
	return &PricingUsecase{
		tariffRepo: tariffRepo,
		cache:      cache,
		logger:     logger,
	}
}

// ===============================
// APPLICABILITY SELECTION
// ===============================

// ResolveApplicableTariff picks the single best-matching active tariff for
// {type, client, container type, date}. A (nil, nil) return means no tariff
// applies; that is a normal outcome, not an error.
func (uc *PricingUsecase) ResolveApplicableTariff(
	ctx context.Context,
	tariffType domain.TariffType,
	clientID *string,
	containerType *string,
	serviceDate *time.Time,
) (*domain.Tariff, error) {
	if !tariffType.IsValid() {
		return nil, xerrors.ErrUnknownTariffType
	}

	at := time.Now()
	if serviceDate != nil {
		at = *serviceDate
	}

	// Candidates come back client-specific first, then most recently
	// effective first.
	candidates, err := uc.tariffRepo.ListCandidates(ctx, tariffType, clientID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve applicable tariff: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if containerType != nil && *containerType != "" {
		for _, candidate := range candidates {
			if candidate.Conditions.AllowsContainerType(*containerType) {
				return candidate, nil
			}
		}
		// No candidate names the container type; fall through to the
		// plain ranking winner.
	}

	return candidates[0], nil
}

// ===============================
// PRICE CALCULATION
// ===============================

// CalculatePrice prices a requested quantity against the tariff's pricing
// model, applies min/max clamps, the ordered discount policy, and tax. All
// arithmetic is decimal; amounts are rounded to 2 places at the end.
func (uc *PricingUsecase) CalculatePrice(ctx context.Context, tariffID int64, req *domain.PriceRequest) (*domain.PriceBreakdown, error) {
	if !req.Quantity.IsPositive() {
		return nil, xerrors.ErrQuantityNotPositive
	}

	tariff, err := uc.getTariff(ctx, tariffID)
	if err != nil {
		return nil, err
	}

	at := time.Now()
	if req.ServiceDate != nil {
		at = *req.ServiceDate
	}
	if !tariff.IsActiveAt(at) {
		return nil, xerrors.NewStateError(tariff.Code, "tariff is not active for pricing")
	}

	var detail []string

	subtotal, err := uc.baseSubtotal(tariff, req, &detail)
	if err != nil {
		return nil, err
	}

	// Min/max clamps, recording the delta as an adjustment.
	var adjustments []domain.PriceAdjustment
	if tariff.MinimumCharge != nil && subtotal.LessThan(*tariff.MinimumCharge) {
		delta := tariff.MinimumCharge.Sub(subtotal)
		adjustments = append(adjustments, domain.PriceAdjustment{Kind: "minimum_charge", Amount: delta})
		detail = append(detail, fmt.Sprintf("min %s applied (was %s)", tariff.MinimumCharge, subtotal))
		subtotal = *tariff.MinimumCharge
	}
	if tariff.MaximumCharge != nil && subtotal.GreaterThan(*tariff.MaximumCharge) {
		delta := subtotal.Sub(*tariff.MaximumCharge)
		adjustments = append(adjustments, domain.PriceAdjustment{Kind: "maximum_charge", Amount: delta})
		detail = append(detail, fmt.Sprintf("max %s applied (was %s)", tariff.MaximumCharge, subtotal))
		subtotal = *tariff.MaximumCharge
	}

	applied, totalDiscount := applyDiscountPolicy(tariff.DiscountPolicy, req.Quantity, subtotal, &detail)

	taxable := subtotal.Sub(totalDiscount)
	tax := decimal.Zero
	if tariff.Tax.Taxable && tariff.Tax.Rate.IsPositive() {
		tax = taxable.Mul(tariff.Tax.Rate).Div(hundred)
		detail = append(detail, fmt.Sprintf("tax %s%% on %s", tariff.Tax.Rate, taxable))
	}

	baseAmount := subtotal.Round(2)
	discountAmount := totalDiscount.Round(2)
	taxAmount := tax.Round(2)

	return &domain.PriceBreakdown{
		CalculationRef:   "CALC-" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		TariffID:         tariff.ID,
		TariffCode:       tariff.Code,
		Currency:         tariff.Currency,
		BaseAmount:       baseAmount,
		DiscountAmount:   discountAmount,
		TaxAmount:        taxAmount,
		TotalAmount:      baseAmount.Sub(discountAmount).Add(taxAmount),
		AppliedDiscounts: applied,
		Adjustments:      adjustments,
		CalculatedFrom:   strings.Join(detail, " → "),
	}, nil
}

// baseSubtotal computes the pre-discount subtotal for the tariff's pricing
// model.
func (uc *PricingUsecase) baseSubtotal(tariff *domain.Tariff, req *domain.PriceRequest, detail *[]string) (decimal.Decimal, error) {
	quantity := req.Quantity

	switch tariff.PricingModel {
	case domain.PricingModelFixed:
		// Quantity is ignored for fixed tariffs.
		*detail = append(*detail, fmt.Sprintf("fixed: %s", tariff.BasePrice))
		return tariff.BasePrice, nil

	case domain.PricingModelVariable:
		subtotal := tariff.BasePrice.Mul(quantity)
		*detail = append(*detail, fmt.Sprintf("variable: %s × %s", tariff.BasePrice, quantity))
		return subtotal, nil

	case domain.PricingModelTiered:
		return tieredSubtotal(tariff, quantity, detail)

	case domain.PricingModelVolumeBased:
		subtotal := tariff.BasePrice.Mul(quantity)
		*detail = append(*detail, fmt.Sprintf("volume: %s × %s", tariff.BasePrice, quantity))
		if tariff.PricingStructure != nil {
			// Only the first band containing the quantity ever applies.
			for _, band := range tariff.PricingStructure.VolumeBands {
				if !band.Contains(quantity) {
					continue
				}
				switch band.DiscountType {
				case domain.DiscountTypePercentage:
					subtotal = subtotal.Mul(hundred.Sub(band.DiscountValue)).Div(hundred)
					*detail = append(*detail, fmt.Sprintf("band %s%% off", band.DiscountValue))
				case domain.DiscountTypeFixed:
					subtotal = subtotal.Sub(band.DiscountValue)
					*detail = append(*detail, fmt.Sprintf("band -%s", band.DiscountValue))
				}
				break
			}
		}
		return subtotal, nil

	case domain.PricingModelTimeBased:
		subtotal := tariff.BasePrice.Mul(quantity)
		*detail = append(*detail, fmt.Sprintf("time: %s × %s", tariff.BasePrice, quantity))
		if req.TimeSlot != nil {
			if slot := tariff.PricingStructure.FindTimeSlot(*req.TimeSlot); slot != nil {
				subtotal = subtotal.Mul(slot.PriceMultiplier)
				*detail = append(*detail, fmt.Sprintf("slot %s ×%s", slot.Name, slot.PriceMultiplier))
			}
		}
		return subtotal, nil

	case domain.PricingModelWeightBased:
		if req.Weight == nil {
			return decimal.Zero, &xerrors.ValidationError{Field: "weight", Detail: "required for weight based pricing"}
		}
		subtotal := tariff.BasePrice.Mul(*req.Weight)
		*detail = append(*detail, fmt.Sprintf("weight: %s × %s", tariff.BasePrice, req.Weight))
		return subtotal, nil

	default:
		subtotal := tariff.BasePrice.Mul(quantity)
		*detail = append(*detail, fmt.Sprintf("%s: %s × %s", tariff.PricingModel, tariff.BasePrice, quantity))
		return subtotal, nil
	}
}

// tieredSubtotal walks the tiers sorted ascending by min quantity, consuming
// min(remaining, capacity) units per tier at that tier's unit price. A tier's
// flat fee is added once per tier touched. Capacity = (max ?? ∞) - min + 1.
func tieredSubtotal(tariff *domain.Tariff, quantity decimal.Decimal, detail *[]string) (decimal.Decimal, error) {
	if tariff.PricingStructure == nil || len(tariff.PricingStructure.Tiers) == 0 {
		return decimal.Zero, &xerrors.ValidationError{Field: "pricing_structure", Detail: "tiered tariff has no rate tiers"}
	}

	tiers := make([]domain.RateTier, len(tariff.PricingStructure.Tiers))
	copy(tiers, tariff.PricingStructure.Tiers)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].MinQuantity.LessThan(tiers[j].MinQuantity)
	})

	subtotal := decimal.Zero
	remaining := quantity

	for _, tier := range tiers {
		if !remaining.IsPositive() {
			break
		}

		take := remaining
		if capacity := tier.Capacity(); capacity != nil && capacity.LessThan(remaining) {
			take = *capacity
		}

		subtotal = subtotal.Add(take.Mul(tier.PricePerUnit))
		if tier.FlatFee != nil {
			subtotal = subtotal.Add(*tier.FlatFee)
		}
		*detail = append(*detail, fmt.Sprintf("tier ≥%s: %s × %s", tier.MinQuantity, take, tier.PricePerUnit))

		remaining = remaining.Sub(take)
	}

	return subtotal, nil
}

// applyDiscountPolicy walks the ordered policy rules. Each matching rule
// discounts the running subtotal (percentage rules are computed against the
// running amount, fixed rules subtract directly), capped at the rule's max.
// The first non-stackable match stops the walk.
func applyDiscountPolicy(policy []domain.DiscountRule, quantity, subtotal decimal.Decimal, detail *[]string) ([]domain.AppliedDiscount, decimal.Decimal) {
	var applied []domain.AppliedDiscount
	totalDiscount := decimal.Zero
	running := subtotal

	for _, rule := range policy {
		if quantity.LessThan(rule.ThresholdQuantity) {
			continue
		}

		var amount decimal.Decimal
		switch rule.DiscountType {
		case domain.DiscountTypePercentage:
			amount = running.Mul(rule.Value).Div(hundred)
		case domain.DiscountTypeFixed:
			amount = rule.Value
		default:
			continue
		}

		capped := false
		if rule.MaxDiscountAmount != nil && amount.GreaterThan(*rule.MaxDiscountAmount) {
			amount = *rule.MaxDiscountAmount
			capped = true
		}
		// A discount never drives the price negative.
		if amount.GreaterThan(running) {
			amount = running
			capped = true
		}

		totalDiscount = totalDiscount.Add(amount)
		running = running.Sub(amount)
		applied = append(applied, domain.AppliedDiscount{
			ThresholdQuantity: rule.ThresholdQuantity,
			DiscountType:      rule.DiscountType,
			Value:             rule.Value,
			Amount:            amount,
			Capped:            capped,
			Stackable:         rule.Stackable,
			Description:       rule.Description,
		})
		*detail = append(*detail, fmt.Sprintf("discount %s at qty≥%s: -%s", rule.Value, rule.ThresholdQuantity, amount))

		if !rule.Stackable {
			break
		}
	}

	return applied, totalDiscount
}

// ===============================
// TARIFF READ CACHE
// ===============================

// getTariff serves the pricing hot path: cache first, store on miss. Tariffs
// are relatively stable so a short TTL plus invalidation on mutation is
// enough.
func (uc *PricingUsecase) getTariff(ctx context.Context, id int64) (*domain.Tariff, error) {
	if uc.cache != nil {
		if cached, ok := uc.cache.Get(ctx, id); ok {
			return cached, nil
		}
	}

	tariff, err := uc.tariffRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if uc.cache != nil {
		uc.cache.Set(ctx, tariff)
	}

	return tariff, nil
}
