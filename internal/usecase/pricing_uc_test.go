package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tariff-service/internal/domain"
	xerrors "tariff-service/pkg/xerrors"
)

func newPricingFixture() (*PricingUsecase, *mockTariffRepo) {
	repo := newMockTariffRepo()
	uc := NewPricingUsecase(repo, nil, zap.NewNop())
	return uc, repo
}

// activeTariff seeds a tariff that is active right now.
func activeTariff(repo *mockTariffRepo, model domain.PricingModel, basePrice string) *domain.Tariff {
	return repo.seed(&domain.Tariff{
		Code:          "TR-ST-2024-001",
		TariffType:    domain.TariffTypeStorage,
		PricingModel:  model,
		Currency:      "USD",
		Status:        domain.StatusActive,
		EffectiveDate: time.Now().AddDate(0, -1, 0),
		BasePrice:     dec(basePrice),
	})
}

func priceOf(t *testing.T, uc *PricingUsecase, id int64, quantity string) *domain.PriceBreakdown {
	t.Helper()
	breakdown, err := uc.CalculatePrice(context.Background(), id, &domain.PriceRequest{Quantity: dec(quantity)})
	if err != nil {
		t.Fatalf("pricing failed: %v", err)
	}
	return breakdown
}

func assertAmount(t *testing.T, label string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

// --- TESTS ---

func TestCalculatePrice_VariableWithDiscount(t *testing.T) {
	// 1. SETUP: 100 per unit, 10% off from 3 units.
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("3"), DiscountType: domain.DiscountTypePercentage, Value: dec("10")},
	}

	// 2. EXECUTE
	breakdown := priceOf(t, uc, tariff.ID, "5")

	// 3. ASSERT: 100 × 5 = 500, minus 10% = 450.
	assertAmount(t, "base", breakdown.BaseAmount, dec("500"))
	assertAmount(t, "discount", breakdown.DiscountAmount, dec("50"))
	assertAmount(t, "total", breakdown.TotalAmount, dec("450"))
	if len(breakdown.AppliedDiscounts) != 1 {
		t.Errorf("expected 1 applied discount, got %d", len(breakdown.AppliedDiscounts))
	}
	if breakdown.CalculationRef == "" || breakdown.CalculatedFrom == "" {
		t.Error("breakdown must carry a calculation ref and detail")
	}
}

func TestCalculatePrice_DiscountBelowThresholdIgnored(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("3"), DiscountType: domain.DiscountTypePercentage, Value: dec("10")},
	}

	breakdown := priceOf(t, uc, tariff.ID, "2")

	assertAmount(t, "total", breakdown.TotalAmount, dec("200"))
	if len(breakdown.AppliedDiscounts) != 0 {
		t.Errorf("discount below threshold must not apply")
	}
}

func TestCalculatePrice_FixedIgnoresQuantity(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelFixed, "250")

	breakdown := priceOf(t, uc, tariff.ID, "7")

	assertAmount(t, "total", breakdown.TotalAmount, dec("250"))
}

func TestCalculatePrice_Tiered(t *testing.T) {
	// 1. SETUP: days 1-10 at 5, day 11 onward at 3.
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelTiered, "0")
	tariff.PricingStructure = &domain.PricingStructure{
		Tiers: []domain.RateTier{
			{MinQuantity: dec("1"), MaxQuantity: decPtr("10"), PricePerUnit: dec("5")},
			{MinQuantity: dec("11"), PricePerUnit: dec("3")},
		},
	}

	// 2. EXECUTE
	breakdown := priceOf(t, uc, tariff.ID, "15")

	// 3. ASSERT: 10×5 + 5×3 = 65.
	assertAmount(t, "total", breakdown.TotalAmount, dec("65"))
}

func TestCalculatePrice_TieredWithinFirstTier(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelTiered, "0")
	tariff.PricingStructure = &domain.PricingStructure{
		Tiers: []domain.RateTier{
			// Deliberately out of order; the engine sorts by min quantity.
			{MinQuantity: dec("11"), PricePerUnit: dec("3")},
			{MinQuantity: dec("1"), MaxQuantity: decPtr("10"), PricePerUnit: dec("5")},
		},
	}

	breakdown := priceOf(t, uc, tariff.ID, "4")

	assertAmount(t, "total", breakdown.TotalAmount, dec("20"))
}

func TestCalculatePrice_TieredFlatFee(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelTiered, "0")
	tariff.PricingStructure = &domain.PricingStructure{
		Tiers: []domain.RateTier{
			{MinQuantity: dec("1"), MaxQuantity: decPtr("10"), PricePerUnit: dec("5"), FlatFee: decPtr("25")},
			{MinQuantity: dec("11"), PricePerUnit: dec("3"), FlatFee: decPtr("10")},
		},
	}

	// Only the first tier is touched at quantity 8: 8×5 + 25 = 65.
	breakdown := priceOf(t, uc, tariff.ID, "8")
	assertAmount(t, "total", breakdown.TotalAmount, dec("65"))

	// Both tiers touched at 12: 10×5 + 25 + 2×3 + 10 = 91.
	breakdown = priceOf(t, uc, tariff.ID, "12")
	assertAmount(t, "total", breakdown.TotalAmount, dec("91"))
}

func TestCalculatePrice_MinimumChargeClamp(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "10")
	tariff.MinimumCharge = decPtr("50")

	breakdown := priceOf(t, uc, tariff.ID, "2")

	// 10 × 2 = 20, clamped up to 50.
	assertAmount(t, "total", breakdown.TotalAmount, dec("50"))
	if len(breakdown.Adjustments) != 1 || breakdown.Adjustments[0].Kind != "minimum_charge" {
		t.Fatalf("expected a minimum_charge adjustment, got %+v", breakdown.Adjustments)
	}
	assertAmount(t, "clamp delta", breakdown.Adjustments[0].Amount, dec("30"))

	// A subtotal already above the floor is untouched.
	breakdown = priceOf(t, uc, tariff.ID, "10")
	assertAmount(t, "total", breakdown.TotalAmount, dec("100"))
	if len(breakdown.Adjustments) != 0 {
		t.Errorf("no clamp expected above the floor, got %+v", breakdown.Adjustments)
	}
}

func TestCalculatePrice_MaximumChargeClamp(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.MaximumCharge = decPtr("5000")

	breakdown := priceOf(t, uc, tariff.ID, "100")

	// 100 × 100 = 10000, clamped down to 5000.
	assertAmount(t, "total", breakdown.TotalAmount, dec("5000"))
	if len(breakdown.Adjustments) != 1 || breakdown.Adjustments[0].Kind != "maximum_charge" {
		t.Fatalf("expected a maximum_charge adjustment, got %+v", breakdown.Adjustments)
	}
}

func TestCalculatePrice_DiscountOnClampedSubtotalThenTax(t *testing.T) {
	// 1. SETUP: discounts apply to the clamped subtotal, tax to the
	// discounted amount.
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.MaximumCharge = decPtr("500")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypePercentage, Value: dec("10")},
	}
	tariff.Tax = domain.TaxConfig{Taxable: true, Rate: dec("16")}

	// 2. EXECUTE
	breakdown := priceOf(t, uc, tariff.ID, "10")

	// 3. ASSERT: 1000 clamped to 500; 10% discount = 50; tax 16% of 450 = 72.
	assertAmount(t, "base", breakdown.BaseAmount, dec("500"))
	assertAmount(t, "discount", breakdown.DiscountAmount, dec("50"))
	assertAmount(t, "tax", breakdown.TaxAmount, dec("72"))
	assertAmount(t, "total", breakdown.TotalAmount, dec("522"))
}

func TestCalculatePrice_NonStackableStopsPolicy(t *testing.T) {
	// 1. SETUP: stackable 5%, then non-stackable 10%, then 20% that must
	// never be reached.
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypePercentage, Value: dec("5"), Stackable: true},
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypePercentage, Value: dec("10")},
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypePercentage, Value: dec("20")},
	}

	// 2. EXECUTE
	breakdown := priceOf(t, uc, tariff.ID, "5")

	// 3. ASSERT: 500 − 25 = 475 running, then 10% of 475 = 47.5; the 20%
	// rule is suppressed.
	if len(breakdown.AppliedDiscounts) != 2 {
		t.Fatalf("expected 2 applied discounts, got %d", len(breakdown.AppliedDiscounts))
	}
	assertAmount(t, "discount", breakdown.DiscountAmount, dec("72.5"))
	assertAmount(t, "total", breakdown.TotalAmount, dec("427.5"))
}

func TestCalculatePrice_DiscountCap(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypePercentage, Value: dec("50"), MaxDiscountAmount: decPtr("100")},
	}

	breakdown := priceOf(t, uc, tariff.ID, "5")

	// 50% of 500 = 250, capped at 100.
	assertAmount(t, "discount", breakdown.DiscountAmount, dec("100"))
	if !breakdown.AppliedDiscounts[0].Capped {
		t.Error("capped discount must be flagged")
	}
}

func TestCalculatePrice_FixedDiscountNeverGoesNegative(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "10")
	tariff.DiscountPolicy = []domain.DiscountRule{
		{ThresholdQuantity: dec("1"), DiscountType: domain.DiscountTypeFixed, Value: dec("1000")},
	}

	breakdown := priceOf(t, uc, tariff.ID, "2")

	// Fixed 1000 off a 20 subtotal floors at zero.
	assertAmount(t, "discount", breakdown.DiscountAmount, dec("20"))
	assertAmount(t, "total", breakdown.TotalAmount, dec("0"))
}

func TestCalculatePrice_VolumeBands(t *testing.T) {
	// 1. SETUP: two bands; only the one containing the quantity applies.
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVolumeBased, "10")
	tariff.PricingStructure = &domain.PricingStructure{
		VolumeBands: []domain.VolumeBand{
			{MinVolume: dec("50"), MaxVolume: decPtr("199"), DiscountType: domain.DiscountTypePercentage, DiscountValue: dec("10")},
			{MinVolume: dec("200"), DiscountType: domain.DiscountTypePercentage, DiscountValue: dec("20")},
		},
	}

	// 2. EXECUTE / ASSERT: 10 × 100 = 1000, band 10% off = 900.
	breakdown := priceOf(t, uc, tariff.ID, "100")
	assertAmount(t, "total", breakdown.TotalAmount, dec("900"))

	// Below every band: full price.
	breakdown = priceOf(t, uc, tariff.ID, "10")
	assertAmount(t, "total", breakdown.TotalAmount, dec("100"))

	// Second band: 10 × 300 = 3000, 20% off = 2400.
	breakdown = priceOf(t, uc, tariff.ID, "300")
	assertAmount(t, "total", breakdown.TotalAmount, dec("2400"))
}

func TestCalculatePrice_TimeSlotMultiplier(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelTimeBased, "10")
	tariff.PricingStructure = &domain.PricingStructure{
		TimeSlots: []domain.TimeSlot{
			{Name: "day", PriceMultiplier: dec("1")},
			{Name: "night", PriceMultiplier: dec("1.5")},
		},
	}

	slot := "night"
	breakdown, err := uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{
		Quantity: dec("4"),
		TimeSlot: &slot,
	})
	if err != nil {
		t.Fatalf("pricing failed: %v", err)
	}

	// 10 × 4 × 1.5 = 60.
	assertAmount(t, "total", breakdown.TotalAmount, dec("60"))
}

func TestCalculatePrice_WeightBased(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelWeightBased, "2")

	breakdown, err := uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{
		Quantity: dec("1"),
		Weight:   decPtr("150"),
	})
	if err != nil {
		t.Fatalf("pricing failed: %v", err)
	}
	assertAmount(t, "total", breakdown.TotalAmount, dec("300"))

	// Weight is mandatory for this model.
	_, err = uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{Quantity: dec("1")})
	if !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("missing weight: got %v", err)
	}
}

func TestCalculatePrice_RejectsNonPositiveQuantity(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")

	for _, quantity := range []string{"0", "-3"} {
		_, err := uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{Quantity: dec(quantity)})
		if !errors.Is(err, xerrors.ErrQuantityNotPositive) {
			t.Errorf("quantity %s: got %v", quantity, err)
		}
	}
}

func TestCalculatePrice_RequiresActiveTariff(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	tariff.Status = domain.StatusDraft

	_, err := uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{Quantity: dec("1")})
	if !errors.Is(err, xerrors.ErrInvalidState) {
		t.Fatalf("pricing a draft tariff: got %v", err)
	}
	var stateErr *xerrors.StateError
	if !errors.As(err, &stateErr) || stateErr.Code != tariff.Code {
		t.Errorf("error must name the tariff code, got %v", err)
	}
}

func TestCalculatePrice_RespectsServiceDateWindow(t *testing.T) {
	uc, repo := newPricingFixture()
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")
	expiry := time.Now().AddDate(0, 1, 0)
	tariff.ExpiryDate = &expiry

	// A service date past the expiry is outside the validity window even
	// though the tariff is active today.
	afterExpiry := expiry.AddDate(0, 1, 0)
	_, err := uc.CalculatePrice(context.Background(), tariff.ID, &domain.PriceRequest{
		Quantity:    dec("1"),
		ServiceDate: &afterExpiry,
	})
	if !errors.Is(err, xerrors.ErrInvalidState) {
		t.Errorf("pricing outside the window: got %v", err)
	}
}

func TestResolveApplicableTariff(t *testing.T) {
	// 1. SETUP: the store returns candidates client-specific first.
	uc, repo := newPricingFixture()
	clientTariff := &domain.Tariff{
		ID: 1, Code: "TR-ST-2024-002",
		TariffType: domain.TariffTypeStorage,
		ClientID:   strPtr("client-7"),
		Status:     domain.StatusActive,
		Conditions: &domain.ApplicableConditions{ContainerTypes: []string{"20GP"}},
	}
	generalTariff := &domain.Tariff{
		ID: 2, Code: "TR-ST-2024-001",
		TariffType: domain.TariffTypeStorage,
		Status:     domain.StatusActive,
	}
	repo.candidates = []*domain.Tariff{clientTariff, generalTariff}

	// 2. EXECUTE / ASSERT: no container type, the ranking winner is taken.
	got, err := uc.ResolveApplicableTariff(context.Background(), domain.TariffTypeStorage, strPtr("client-7"), nil, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got.Code != clientTariff.Code {
		t.Errorf("resolved %s, want client-specific %s", got.Code, clientTariff.Code)
	}

	// A container type outside the client tariff's allow-list falls through
	// to the general tariff.
	got, err = uc.ResolveApplicableTariff(context.Background(), domain.TariffTypeStorage, strPtr("client-7"), strPtr("40HC"), nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got.Code != generalTariff.Code {
		t.Errorf("resolved %s, want general %s", got.Code, generalTariff.Code)
	}
}

func TestResolveApplicableTariff_NoMatchIsNotAnError(t *testing.T) {
	uc, repo := newPricingFixture()
	repo.candidates = nil

	got, err := uc.ResolveApplicableTariff(context.Background(), domain.TariffTypeStorage, nil, nil, nil)
	if err != nil {
		t.Fatalf("no candidates must not error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil tariff, got %+v", got)
	}
}

func TestResolveApplicableTariff_UnknownType(t *testing.T) {
	uc, _ := newPricingFixture()

	_, err := uc.ResolveApplicableTariff(context.Background(), "teleportation", nil, nil, nil)
	if !errors.Is(err, xerrors.ErrUnknownTariffType) {
		t.Errorf("unknown type: got %v", err)
	}
}

func TestCalculatePrice_CacheAside(t *testing.T) {
	// 1. SETUP
	repo := newMockTariffRepo()
	cache := newMockTariffCache()
	uc := NewPricingUsecase(repo, cache, zap.NewNop())
	tariff := activeTariff(repo, domain.PricingModelVariable, "100")

	// 2. EXECUTE: first read misses and populates the cache.
	first := priceOf(t, uc, tariff.ID, "2")
	if len(cache.sets) != 1 || cache.sets[0] != tariff.ID {
		t.Fatalf("expected one cache set for tariff %d, got %v", tariff.ID, cache.sets)
	}

	// A store-side price change is invisible until invalidation: the second
	// read is served from the cache.
	tariff.BasePrice = dec("999")
	second := priceOf(t, uc, tariff.ID, "2")

	// 3. ASSERT
	assertAmount(t, "first total", first.TotalAmount, dec("200"))
	assertAmount(t, "cached total", second.TotalAmount, dec("200"))
	if len(cache.sets) != 1 {
		t.Errorf("cache hit must not re-set, got %d sets", len(cache.sets))
	}

	// After invalidation the store price takes over.
	cache.Invalidate(context.Background(), tariff.ID)
	third := priceOf(t, uc, tariff.ID, "2")
	assertAmount(t, "refreshed total", third.TotalAmount, dec("1998"))
}
