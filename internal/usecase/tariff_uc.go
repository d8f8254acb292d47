package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"tariff-service/internal/domain"
	"tariff-service/internal/pub"
	"tariff-service/internal/repository"
	xerrors "tariff-service/pkg/xerrors"
)

// significant fields recorded in version history when changed.
const (
	fieldBasePrice        = "base_price"
	fieldPricingStructure = "pricing_structure"
	fieldDiscountPolicy   = "discount_policy"
	fieldConditions       = "applicable_conditions"
)

// TariffUsecase owns tariff lifecycle: creation with code generation, patch
// updates with version history, activation with overlap detection,
// deactivation, deletion and the expiry sweep. Every mutation takes an
// explicit actor and runs inside a single transaction.
type TariffUsecase struct {
	tariffRepo  repository.TariffRepository
	versionRepo repository.TariffVersionRepository
	publisher   pub.EventPublisher
	cache       TariffCache
	logger      *zap.Logger
}

func NewTariffUsecase(
	tariffRepo repository.TariffRepository,
	versionRepo repository.TariffVersionRepository,
	publisher pub.EventPublisher,
	cache TariffCache,
	logger *zap.Logger,
) *TariffUsecase {
	return &TariffUsecase{
		tariffRepo:  tariffRepo,
		versionRepo: versionRepo,
		publisher:   publisher,
		cache:       cache,
		logger:      logger,
	}
}

// ===============================
// READS
// ===============================

func (uc *TariffUsecase) GetByID(ctx context.Context, id int64) (*domain.Tariff, error) {
	return uc.tariffRepo.GetByID(ctx, id)
}

func (uc *TariffUsecase) GetByCode(ctx context.Context, code string) (*domain.Tariff, error) {
	return uc.tariffRepo.GetByCode(ctx, code)
}

func (uc *TariffUsecase) Search(ctx context.Context, filter *domain.TariffFilter) ([]*domain.Tariff, error) {
	return uc.tariffRepo.Search(ctx, filter)
}

func (uc *TariffUsecase) ListVersions(ctx context.Context, tariffID int64) ([]*domain.TariffVersion, error) {
	if _, err := uc.tariffRepo.GetByID(ctx, tariffID); err != nil {
		return nil, err
	}
	return uc.versionRepo.ListByTariff(ctx, tariffID)
}

// ===============================
// CREATE
// ===============================

// Create validates the input, generates the next tariff code in the
// type/year namespace, and stores the tariff in draft. Retries once on a
// code unique violation, which can only happen if the advisory lock was
// bypassed (e.g. a manual insert).
func (uc *TariffUsecase) Create(ctx context.Context, in *domain.TariffCreate, actor string) (*domain.Tariff, error) {
	if actor == "" {
		return nil, xerrors.ErrActorRequired
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var (
		tariff *domain.Tariff
		err    error
	)
	for attempt := 0; attempt < 3; attempt++ {
		tariff, err = uc.createOnce(ctx, in, actor)
		if err != nil && xerrors.IsUniqueViolation(err) {
			uc.logger.Warn("tariff code collision, retrying",
				zap.String("tariff_type", string(in.TariffType)),
				zap.Int("attempt", attempt+1))
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	uc.publisher.Publish(ctx, &pub.TariffEvent{
		EventType:  pub.EventTariffCreated,
		TariffID:   tariff.ID,
		TariffCode: tariff.Code,
		TariffType: string(tariff.TariffType),
		Actor:      actor,
	})
	return tariff, nil
}

func (uc *TariffUsecase) createOnce(ctx context.Context, in *domain.TariffCreate, actor string) (*domain.Tariff, error) {
	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	year := time.Now().Year()
	seq, err := uc.tariffRepo.NextSequence(ctx, tx, in.TariffType, year)
	if err != nil {
		return nil, err
	}
	code := domain.BuildTariffCode(in.TariffType, year, seq)

	tariff, err := uc.tariffRepo.Create(ctx, tx, code, in, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tariff creation: %w", err)
	}
	return tariff, nil
}

// ===============================
// UPDATE
// ===============================

// Update applies a patch. A status change in the patch must be a legal
// lifecycle transition; a transition into active re-runs overlap detection.
// Changes to significant fields (base price, pricing structure, discount
// policy, applicable conditions) are appended to the version history.
func (uc *TariffUsecase) Update(ctx context.Context, id int64, patch *domain.TariffUpdate, actor string) (*domain.Tariff, error) {
	if actor == "" {
		return nil, xerrors.ErrActorRequired
	}

	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := uc.tariffRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != current.Status {
		if !current.Status.CanTransitionTo(*patch.Status) {
			return nil, &xerrors.TransitionError{
				TariffCode: current.Code,
				From:       string(current.Status),
				To:         string(*patch.Status),
			}
		}
	}
	// Decided against the pre-patch status; the store row changes below.
	reactivating := patch.Status != nil && *patch.Status == domain.StatusActive && current.Status != domain.StatusActive

	if patch.ClearExpiryDate && patch.ExpiryDate != nil {
		return nil, &xerrors.ValidationError{Field: "expiry_date", Detail: "cannot both set and clear"}
	}

	// Date-ordering invariant is re-checked whenever either bound moves.
	if patch.EffectiveDate != nil || patch.ExpiryDate != nil {
		effective := current.EffectiveDate
		if patch.EffectiveDate != nil {
			effective = *patch.EffectiveDate
		}
		expiry := current.ExpiryDate
		if patch.ExpiryDate != nil {
			expiry = patch.ExpiryDate
		}
		if patch.ClearExpiryDate {
			expiry = nil
		}
		if expiry != nil && !expiry.After(effective) {
			return nil, xerrors.ErrExpiryBeforeEffective
		}
	}

	if patch.PricingStructure != nil {
		if err := patch.PricingStructure.ValidateFor(current.PricingModel); err != nil {
			return nil, err
		}
	}

	entries := significantDiffs(current, patch, actor)

	updated, err := uc.tariffRepo.Update(ctx, tx, id, patch)
	if err != nil {
		return nil, err
	}

	// Reactivation through the patch path still honors the overlap-freedom
	// guarantee.
	if reactivating {
		if err := uc.ensureNoOverlap(ctx, tx, updated); err != nil {
			return nil, err
		}
	}

	if len(entries) > 0 {
		version, err := uc.versionRepo.NextVersion(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			e.Version = version
		}
		if err := uc.versionRepo.AppendBatch(ctx, tx, entries); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tariff update: %w", err)
	}

	uc.invalidateCache(ctx, id)

	delta := map[string]interface{}{}
	for _, e := range entries {
		delta[e.Field] = e.NewValue
	}
	uc.publisher.Publish(ctx, &pub.TariffEvent{
		EventType:  pub.EventTariffUpdated,
		TariffID:   updated.ID,
		TariffCode: updated.Code,
		TariffType: string(updated.TariffType),
		Actor:      actor,
		Delta:      delta,
	})
	return updated, nil
}

// significantDiffs builds version history entries for significant field
// changes in the patch. Version numbers are assigned by the caller.
func significantDiffs(current *domain.Tariff, patch *domain.TariffUpdate, actor string) []*domain.TariffVersion {
	var entries []*domain.TariffVersion

	add := func(field string, oldV, newV interface{}) {
		oldJSON, _ := json.Marshal(oldV)
		newJSON, _ := json.Marshal(newV)
		if string(oldJSON) == string(newJSON) {
			return
		}
		entries = append(entries, &domain.TariffVersion{
			TariffID:  current.ID,
			Field:     field,
			OldValue:  string(oldJSON),
			NewValue:  string(newJSON),
			ChangedBy: actor,
		})
	}

	if patch.BasePrice != nil {
		add(fieldBasePrice, current.BasePrice, *patch.BasePrice)
	}
	if patch.PricingStructure != nil {
		add(fieldPricingStructure, current.PricingStructure, patch.PricingStructure)
	}
	if patch.DiscountPolicy != nil {
		add(fieldDiscountPolicy, current.DiscountPolicy, patch.DiscountPolicy)
	}
	if patch.Conditions != nil {
		add(fieldConditions, current.Conditions, patch.Conditions)
	}

	return entries
}

// ===============================
// LIFECYCLE
// ===============================

// Activate transitions a draft tariff to active. Inside one transaction it
// takes the scope lock, scans for active same-scope tariffs with an
// intersecting validity window, and commits the transition only when the
// scope is overlap-free. This is the engine's core consistency guarantee:
// at most one active tariff per (type, client-scope, instant).
func (uc *TariffUsecase) Activate(ctx context.Context, id int64, actor string) (*domain.Tariff, error) {
	if actor == "" {
		return nil, xerrors.ErrActorRequired
	}

	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tariff, err := uc.tariffRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if tariff.Status != domain.StatusDraft {
		return nil, xerrors.NewStateError(tariff.Code,
			fmt.Sprintf("activation requires draft status, tariff is %s", tariff.Status))
	}

	if err := uc.ensureNoOverlap(ctx, tx, tariff); err != nil {
		return nil, err
	}

	if err := uc.tariffRepo.UpdateStatus(ctx, tx, id, domain.StatusActive, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tariff activation: %w", err)
	}

	uc.invalidateCache(ctx, id)
	tariff.Status = domain.StatusActive

	uc.publisher.Publish(ctx, &pub.TariffEvent{
		EventType:  pub.EventTariffActivated,
		TariffID:   tariff.ID,
		TariffCode: tariff.Code,
		TariffType: string(tariff.TariffType),
		Actor:      actor,
	})
	return tariff, nil
}

// ensureNoOverlap serializes on the (type, client-scope) namespace and fails
// with the first conflicting tariff's code when the candidate's validity
// window intersects an active one.
func (uc *TariffUsecase) ensureNoOverlap(ctx context.Context, tx pgx.Tx, tariff *domain.Tariff) error {
	if err := uc.tariffRepo.LockScope(ctx, tx, tariff.TariffType, tariff.ClientID); err != nil {
		return err
	}

	conflicts, err := uc.tariffRepo.ListActiveOverlapping(ctx, tx,
		tariff.TariffType, tariff.ClientID, tariff.EffectiveDate, tariff.ExpiryDate, tariff.ID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return xerrors.NewStateError(conflicts[0].Code, "validity window overlaps active tariff")
	}
	return nil
}

// Deactivate transitions an active tariff to inactive, recording the reason.
func (uc *TariffUsecase) Deactivate(ctx context.Context, id int64, reason, actor string) (*domain.Tariff, error) {
	if actor == "" {
		return nil, xerrors.ErrActorRequired
	}
	if reason == "" {
		return nil, xerrors.ErrReasonRequired
	}

	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tariff, err := uc.tariffRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if tariff.Status != domain.StatusActive {
		return nil, xerrors.NewStateError(tariff.Code,
			fmt.Sprintf("deactivation requires active status, tariff is %s", tariff.Status))
	}

	if err := uc.tariffRepo.UpdateStatus(ctx, tx, id, domain.StatusInactive, &reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tariff deactivation: %w", err)
	}

	uc.invalidateCache(ctx, id)
	tariff.Status = domain.StatusInactive
	tariff.DeactivationReason = &reason

	uc.publisher.Publish(ctx, &pub.TariffEvent{
		EventType:  pub.EventTariffDeactivated,
		TariffID:   tariff.ID,
		TariffCode: tariff.Code,
		TariffType: string(tariff.TariffType),
		Actor:      actor,
		Delta:      map[string]interface{}{"reason": reason},
	})
	return tariff, nil
}

// Delete removes a tariff. Active tariffs are never hard-deleted.
func (uc *TariffUsecase) Delete(ctx context.Context, id int64, actor string) error {
	if actor == "" {
		return xerrors.ErrActorRequired
	}

	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tariff, err := uc.tariffRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if tariff.Status == domain.StatusActive {
		return xerrors.NewStateError(tariff.Code, "active tariff cannot be deleted")
	}

	if err := uc.tariffRepo.Delete(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tariff deletion: %w", err)
	}

	uc.invalidateCache(ctx, id)

	uc.publisher.Publish(ctx, &pub.TariffEvent{
		EventType:  pub.EventTariffDeleted,
		TariffID:   tariff.ID,
		TariffCode: tariff.Code,
		TariffType: string(tariff.TariffType),
		Actor:      actor,
	})
	return nil
}

// SweepExpired transitions active tariffs whose expiry date has passed to
// expired. A bounded unit of work, invoked by operator tooling.
func (uc *TariffUsecase) SweepExpired(ctx context.Context, actor string) (int, error) {
	if actor == "" {
		return 0, xerrors.ErrActorRequired
	}

	tx, err := uc.tariffRepo.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	expired, err := uc.tariffRepo.MarkExpired(ctx, tx, time.Now())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit expiry sweep: %w", err)
	}

	for _, tariff := range expired {
		uc.invalidateCache(ctx, tariff.ID)
		uc.publisher.Publish(ctx, &pub.TariffEvent{
			EventType:  pub.EventTariffExpired,
			TariffID:   tariff.ID,
			TariffCode: tariff.Code,
			TariffType: string(tariff.TariffType),
			Actor:      actor,
		})
	}
	return len(expired), nil
}

func (uc *TariffUsecase) invalidateCache(ctx context.Context, id int64) {
	if uc.cache == nil {
		return
	}
	uc.cache.Invalidate(ctx, id)
}
