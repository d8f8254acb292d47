package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "tariff-service/pkg/xerrors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func timePtr(t time.Time) *time.Time { return &t }

func TestBuildTariffCode(t *testing.T) {
	cases := []struct {
		tariffType TariffType
		year       int
		seq        int
		want       string
	}{
		{TariffTypeStorage, 2024, 1, "TR-ST-2024-001"},
		{TariffTypeStorage, 2024, 2, "TR-ST-2024-002"},
		{TariffTypeGateIn, 2025, 42, "TR-GI-2025-042"},
		{TariffTypeHandling, 2024, 999, "TR-HD-2024-999"},
		{TariffTypeDemurrage, 2024, 1000, "TR-DM-2024-1000"},
	}
	for _, c := range cases {
		if got := BuildTariffCode(c.tariffType, c.year, c.seq); got != c.want {
			t.Errorf("BuildTariffCode(%s, %d, %d) = %s, want %s", c.tariffType, c.year, c.seq, got, c.want)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to TariffStatus }{
		{StatusDraft, StatusActive},
		{StatusDraft, StatusInactive},
		{StatusActive, StatusInactive},
		{StatusActive, StatusExpired},
		{StatusActive, StatusSuperseded},
		{StatusInactive, StatusActive},
		{StatusInactive, StatusExpired},
		{StatusExpired, StatusSuperseded},
	}
	for _, c := range allowed {
		if !c.from.CanTransitionTo(c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}

	forbidden := []struct{ from, to TariffStatus }{
		{StatusActive, StatusDraft},
		{StatusInactive, StatusDraft},
		{StatusExpired, StatusActive},
		{StatusExpired, StatusDraft},
		{StatusSuperseded, StatusActive},
		{StatusSuperseded, StatusDraft},
		{StatusSuperseded, StatusExpired},
		{StatusDraft, StatusExpired},
		{StatusDraft, StatusSuperseded},
	}
	for _, c := range forbidden {
		if c.from.CanTransitionTo(c.to) {
			t.Errorf("expected %s -> %s to be forbidden", c.from, c.to)
		}
	}

	// Superseded is terminal.
	for _, to := range []TariffStatus{StatusDraft, StatusActive, StatusInactive, StatusExpired, StatusSuperseded} {
		if StatusSuperseded.CanTransitionTo(to) {
			t.Errorf("superseded must be terminal, allowed -> %s", to)
		}
	}
}

func TestIsActiveAt(t *testing.T) {
	effective := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	tariff := &Tariff{
		Status:        StatusActive,
		EffectiveDate: effective,
		ExpiryDate:    &expiry,
	}

	if !tariff.IsActiveAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected active inside window")
	}
	if !tariff.IsActiveAt(effective) {
		t.Error("expected active on effective date (inclusive)")
	}
	if !tariff.IsActiveAt(expiry) {
		t.Error("expected active on expiry date (inclusive)")
	}
	if tariff.IsActiveAt(effective.Add(-time.Hour)) {
		t.Error("expected inactive before effective date")
	}
	if tariff.IsActiveAt(expiry.Add(time.Hour)) {
		t.Error("expected inactive after expiry date")
	}

	tariff.Status = StatusInactive
	if tariff.IsActiveAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("inactive status must not price even inside window")
	}

	// Open-ended tariff never lapses on the far side.
	openEnded := &Tariff{Status: StatusActive, EffectiveDate: effective}
	if !openEnded.IsActiveAt(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("open-ended tariff should remain active far in the future")
	}
}

func TestOverlapsWindow(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	dec31 := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	firstHalf := &Tariff{EffectiveDate: jan, ExpiryDate: &jun}

	if firstHalf.OverlapsWindow(jul, &dec31) {
		t.Error("disjoint windows must not overlap")
	}
	if !firstHalf.OverlapsWindow(jun, &dec31) {
		t.Error("windows touching on the boundary day overlap")
	}
	if !firstHalf.OverlapsWindow(jan, nil) {
		t.Error("open-ended window starting inside must overlap")
	}

	openEnded := &Tariff{EffectiveDate: jul}
	if !openEnded.OverlapsWindow(jan, nil) {
		t.Error("two open-ended windows always overlap")
	}
	if openEnded.OverlapsWindow(jan, &jun) {
		t.Error("window ending before an open-ended start must not overlap")
	}
}

func TestTariffCreateValidate(t *testing.T) {
	base := func() *TariffCreate {
		return &TariffCreate{
			Name:          "Standard storage",
			TariffType:    TariffTypeStorage,
			PricingModel:  PricingModelVariable,
			Currency:      "USD",
			EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			BasePrice:     dec("100"),
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	in := base()
	in.TariffType = ""
	if err := in.Validate(); !errors.Is(err, xerrors.ErrTariffTypeRequired) {
		t.Errorf("missing tariff type: got %v", err)
	}

	in = base()
	in.TariffType = "teleportation"
	if err := in.Validate(); !errors.Is(err, xerrors.ErrUnknownTariffType) {
		t.Errorf("unknown tariff type: got %v", err)
	}

	in = base()
	in.PricingModel = "freeform"
	if err := in.Validate(); !errors.Is(err, xerrors.ErrUnknownPricingModel) {
		t.Errorf("unknown pricing model: got %v", err)
	}

	in = base()
	in.EffectiveDate = time.Time{}
	if err := in.Validate(); !errors.Is(err, xerrors.ErrEffectiveDateRequired) {
		t.Errorf("missing effective date: got %v", err)
	}

	in = base()
	in.ExpiryDate = timePtr(in.EffectiveDate.Add(-24 * time.Hour))
	if err := in.Validate(); !errors.Is(err, xerrors.ErrExpiryBeforeEffective) {
		t.Errorf("expiry before effective: got %v", err)
	}

	in = base()
	in.ExpiryDate = timePtr(in.EffectiveDate)
	if err := in.Validate(); !errors.Is(err, xerrors.ErrExpiryBeforeEffective) {
		t.Errorf("expiry equal to effective: got %v", err)
	}

	in = base()
	in.BasePrice = dec("-1")
	if err := in.Validate(); !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("negative base price: got %v", err)
	}

	in = base()
	in.MinimumCharge = decPtr("500")
	in.MaximumCharge = decPtr("100")
	if err := in.Validate(); !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("min above max: got %v", err)
	}

	// Structure-vs-model invariant.
	in = base()
	in.PricingModel = PricingModelTiered
	if err := in.Validate(); !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("tiered without tiers: got %v", err)
	}

	in = base()
	in.PricingModel = PricingModelTiered
	in.PricingStructure = &PricingStructure{
		Tiers: []RateTier{{MinQuantity: dec("1"), PricePerUnit: dec("5")}},
	}
	if err := in.Validate(); err != nil {
		t.Errorf("tiered with tiers rejected: %v", err)
	}
}

func TestRateTierCapacity(t *testing.T) {
	open := RateTier{MinQuantity: dec("11"), PricePerUnit: dec("3")}
	if open.Capacity() != nil {
		t.Error("open-ended tier must have nil capacity")
	}

	bounded := RateTier{MinQuantity: dec("1"), MaxQuantity: decPtr("10"), PricePerUnit: dec("5")}
	if c := bounded.Capacity(); c == nil || !c.Equal(dec("10")) {
		t.Errorf("capacity of [1,10] = %v, want 10", c)
	}

	single := RateTier{MinQuantity: dec("5"), MaxQuantity: decPtr("5")}
	if c := single.Capacity(); c == nil || !c.Equal(dec("1")) {
		t.Errorf("capacity of [5,5] = %v, want 1", c)
	}
}

func TestAllowsContainerType(t *testing.T) {
	var nilConditions *ApplicableConditions
	if !nilConditions.AllowsContainerType("40HC") {
		t.Error("absent conditions admit everything")
	}

	empty := &ApplicableConditions{}
	if !empty.AllowsContainerType("40HC") {
		t.Error("empty allow-list admits everything")
	}

	scoped := &ApplicableConditions{ContainerTypes: []string{"20GP", "40HC"}}
	if !scoped.AllowsContainerType("40HC") {
		t.Error("listed container type must be admitted")
	}
	if scoped.AllowsContainerType("45RF") {
		t.Error("unlisted container type must be rejected")
	}
}

func TestVolumeBandContains(t *testing.T) {
	band := VolumeBand{MinVolume: dec("10"), MaxVolume: decPtr("50")}
	if band.Contains(dec("9")) {
		t.Error("below min must not match")
	}
	if !band.Contains(dec("10")) || !band.Contains(dec("50")) {
		t.Error("bounds are inclusive")
	}
	if band.Contains(dec("51")) {
		t.Error("above max must not match")
	}

	open := VolumeBand{MinVolume: dec("100")}
	if !open.Contains(dec("1000000")) {
		t.Error("open band matches any quantity above min")
	}
}
