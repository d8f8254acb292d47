package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tariff-service/internal/domain"
	xerrors "tariff-service/pkg/xerrors"
)

type TariffRepository interface {
	Create(ctx context.Context, tx pgx.Tx, code string, in *domain.TariffCreate, actor string) (*domain.Tariff, error)
	GetByID(ctx context.Context, id int64) (*domain.Tariff, error)
	GetByCode(ctx context.Context, code string) (*domain.Tariff, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Tariff, error)
	Search(ctx context.Context, filter *domain.TariffFilter) ([]*domain.Tariff, error)
	ListCandidates(ctx context.Context, tariffType domain.TariffType, clientID *string, at time.Time) ([]*domain.Tariff, error)
	Update(ctx context.Context, tx pgx.Tx, id int64, update *domain.TariffUpdate) (*domain.Tariff, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.TariffStatus, reason *string) error
	Delete(ctx context.Context, tx pgx.Tx, id int64) error

	// Lifecycle support. Both must be called inside the activation transaction.
	LockScope(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, clientID *string) error
	ListActiveOverlapping(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, clientID *string, start time.Time, end *time.Time, excludeID int64) ([]*domain.Tariff, error)

	// Code generation support: next unused sequence in the prefix/year
	// namespace, serialized by an advisory transaction lock.
	NextSequence(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, year int) (int, error)

	// MarkExpired transitions active tariffs whose expiry has passed and
	// returns the rows it touched.
	MarkExpired(ctx context.Context, tx pgx.Tx, now time.Time) ([]*domain.Tariff, error)

	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type tariffRepo struct {
	db *pgxpool.Pool
}

func NewTariffRepo(db *pgxpool.Pool) TariffRepository {
	return &tariffRepo{db: db}
}

func (r *tariffRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

const tariffColumns = `
	id, code, name, description, tariff_type, pricing_model, unit_of_measure,
	currency, client_id, client_name, effective_date, expiry_date,
	base_price, minimum_charge, maximum_charge,
	pricing_structure, discount_policy, taxable, tax_rate, tax_jurisdiction,
	applicable_conditions, status, deactivation_reason,
	created_by, created_at, updated_at`

// ============================================================================
// TARIFF CRUD
// ============================================================================

func (r *tariffRepo) Create(ctx context.Context, tx pgx.Tx, code string, in *domain.TariffCreate, actor string) (*domain.Tariff, error) {
	if tx == nil {
		return nil, errors.New("transaction cannot be nil")
	}

	structureJSON, err := marshalOrNull(in.PricingStructure)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pricing structure: %w", err)
	}
	policyJSON, err := marshalOrNull(in.DiscountPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discount policy: %w", err)
	}
	conditionsJSON, err := marshalOrNull(in.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applicable conditions: %w", err)
	}

	query := `
		INSERT INTO tariffs (
			code, name, description, tariff_type, pricing_model, unit_of_measure,
			currency, client_id, client_name, effective_date, expiry_date,
			base_price, minimum_charge, maximum_charge,
			pricing_structure, discount_policy, taxable, tax_rate, tax_jurisdiction,
			applicable_conditions, status, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING ` + tariffColumns

	now := time.Now()
	row := tx.QueryRow(ctx, query,
		code,
		in.Name,
		in.Description,
		in.TariffType,
		in.PricingModel,
		in.UnitOfMeasure,
		in.Currency,
		in.ClientID,
		in.ClientName,
		in.EffectiveDate,
		in.ExpiryDate,
		in.BasePrice,
		nullDecimal(in.MinimumCharge),
		nullDecimal(in.MaximumCharge),
		structureJSON,
		policyJSON,
		in.Tax.Taxable,
		in.Tax.Rate,
		in.Tax.Jurisdiction,
		conditionsJSON,
		domain.StatusDraft,
		actor,
		now,
		now,
	)

	tariff, err := scanTariff(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create tariff: %w", err)
	}
	return tariff, nil
}

func (r *tariffRepo) GetByID(ctx context.Context, id int64) (*domain.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE id = $1`
	return scanTariff(r.db.QueryRow(ctx, query, id))
}

func (r *tariffRepo) GetByCode(ctx context.Context, code string) (*domain.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE code = $1`
	return scanTariff(r.db.QueryRow(ctx, query, code))
}

func (r *tariffRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Tariff, error) {
	if tx == nil {
		return nil, errors.New("transaction cannot be nil")
	}
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE id = $1 FOR UPDATE`
	return scanTariff(tx.QueryRow(ctx, query, id))
}

func (r *tariffRepo) Search(ctx context.Context, filter *domain.TariffFilter) ([]*domain.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE 1=1`

	args := []interface{}{}
	argPos := 1

	addArg := func(clause string, value interface{}) {
		query += fmt.Sprintf(clause, argPos)
		args = append(args, value)
		argPos++
	}

	if filter.TariffType != nil {
		addArg(" AND tariff_type = $%d", *filter.TariffType)
	}
	if filter.Status != nil {
		addArg(" AND status = $%d", *filter.Status)
	}
	if filter.PricingModel != nil {
		addArg(" AND pricing_model = $%d", *filter.PricingModel)
	}
	if filter.ClientID != nil {
		addArg(" AND client_id = $%d", *filter.ClientID)
	}
	if filter.Currency != nil {
		addArg(" AND currency = $%d", *filter.Currency)
	}
	if filter.UnitOfMeasure != nil {
		addArg(" AND unit_of_measure = $%d", *filter.UnitOfMeasure)
	}
	if filter.EffectiveFrom != nil {
		addArg(" AND effective_date >= $%d", *filter.EffectiveFrom)
	}
	if filter.EffectiveTo != nil {
		addArg(" AND effective_date <= $%d", *filter.EffectiveTo)
	}
	if filter.ExpiryFrom != nil {
		addArg(" AND expiry_date >= $%d", *filter.ExpiryFrom)
	}
	if filter.ExpiryTo != nil {
		addArg(" AND expiry_date <= $%d", *filter.ExpiryTo)
	}
	if filter.MinBasePrice != nil {
		addArg(" AND base_price >= $%d", *filter.MinBasePrice)
	}
	if filter.MaxBasePrice != nil {
		addArg(" AND base_price <= $%d", *filter.MaxBasePrice)
	}
	if filter.ActiveAt != nil {
		query += fmt.Sprintf(" AND status = 'active' AND effective_date <= $%d AND (expiry_date IS NULL OR expiry_date >= $%d)", argPos, argPos)
		args = append(args, *filter.ActiveAt)
		argPos++
	}
	if filter.ExpiringWithinDays != nil {
		now := time.Now()
		horizon := now.AddDate(0, 0, *filter.ExpiringWithinDays)
		query += fmt.Sprintf(" AND status = 'active' AND expiry_date IS NOT NULL AND expiry_date BETWEEN $%d AND $%d", argPos, argPos+1)
		args = append(args, now, horizon)
		argPos += 2
	}
	if filter.Query != nil && *filter.Query != "" {
		pattern := "%" + *filter.Query + "%"
		query += fmt.Sprintf(" AND (code ILIKE $%d OR name ILIKE $%d OR description ILIKE $%d OR client_name ILIKE $%d)", argPos, argPos, argPos, argPos)
		args = append(args, pattern)
		argPos++
	}

	query += " ORDER BY effective_date DESC"

	if filter.Limit > 0 {
		addArg(" LIMIT $%d", filter.Limit)
	}
	if filter.Offset > 0 {
		addArg(" OFFSET $%d", filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search tariffs: %w", err)
	}
	defer rows.Close()

	return collectTariffs(rows)
}

// ListCandidates returns active tariffs of the given type whose window
// contains at, scoped for applicability resolution: when clientID is given
// both client-specific and general tariffs qualify, client-specific ordered
// first; when absent, general tariffs only. Within each group the most
// recently effective tariff comes first.
func (r *tariffRepo) ListCandidates(ctx context.Context, tariffType domain.TariffType, clientID *string, at time.Time) ([]*domain.Tariff, error) {
	query := `
		SELECT ` + tariffColumns + `
		FROM tariffs
		WHERE tariff_type = $1
		  AND status = 'active'
		  AND effective_date <= $2
		  AND (expiry_date IS NULL OR expiry_date >= $2)
		  AND (client_id IS NULL OR client_id = $3)
		ORDER BY (client_id IS NOT NULL) DESC, effective_date DESC`

	rows, err := r.db.Query(ctx, query, tariffType, at, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariff candidates: %w", err)
	}
	defer rows.Close()

	tariffs, err := collectTariffs(rows)
	if err != nil {
		return nil, err
	}

	// No client given: general tariffs only.
	if clientID == nil {
		general := tariffs[:0]
		for _, t := range tariffs {
			if !t.IsClientSpecific() {
				general = append(general, t)
			}
		}
		return general, nil
	}
	return tariffs, nil
}

func (r *tariffRepo) Update(ctx context.Context, tx pgx.Tx, id int64, update *domain.TariffUpdate) (*domain.Tariff, error) {
	if tx == nil {
		return nil, errors.New("transaction cannot be nil")
	}

	// Build dynamic update query
	query := `UPDATE tariffs SET updated_at = $1`
	args := []interface{}{time.Now()}
	argPos := 2

	set := func(column string, value interface{}) {
		query += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}

	if update.Name != nil {
		set("name", *update.Name)
	}
	if update.Description != nil {
		set("description", *update.Description)
	}
	if update.UnitOfMeasure != nil {
		set("unit_of_measure", *update.UnitOfMeasure)
	}
	if update.Currency != nil {
		set("currency", *update.Currency)
	}
	if update.ClientName != nil {
		set("client_name", *update.ClientName)
	}
	if update.EffectiveDate != nil {
		set("effective_date", *update.EffectiveDate)
	}
	if update.ClearExpiryDate {
		set("expiry_date", nil)
	} else if update.ExpiryDate != nil {
		set("expiry_date", *update.ExpiryDate)
	}
	if update.Status != nil {
		set("status", *update.Status)
		// A tariff leaving inactive sheds its deactivation reason.
		if *update.Status == domain.StatusActive {
			set("deactivation_reason", nil)
		}
	}
	if update.BasePrice != nil {
		set("base_price", *update.BasePrice)
	}
	if update.MinimumCharge != nil {
		set("minimum_charge", *update.MinimumCharge)
	}
	if update.MaximumCharge != nil {
		set("maximum_charge", *update.MaximumCharge)
	}
	if update.PricingStructure != nil {
		structureJSON, err := json.Marshal(update.PricingStructure)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pricing structure: %w", err)
		}
		set("pricing_structure", structureJSON)
	}
	if update.DiscountPolicy != nil {
		policyJSON, err := json.Marshal(update.DiscountPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal discount policy: %w", err)
		}
		set("discount_policy", policyJSON)
	}
	if update.Tax != nil {
		set("taxable", update.Tax.Taxable)
		set("tax_rate", update.Tax.Rate)
		set("tax_jurisdiction", update.Tax.Jurisdiction)
	}
	if update.Conditions != nil {
		conditionsJSON, err := json.Marshal(update.Conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal applicable conditions: %w", err)
		}
		set("applicable_conditions", conditionsJSON)
	}

	query += fmt.Sprintf(" WHERE id = $%d RETURNING ", argPos) + tariffColumns
	args = append(args, id)

	tariff, err := scanTariff(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update tariff: %w", err)
	}
	return tariff, nil
}

func (r *tariffRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.TariffStatus, reason *string) error {
	if tx == nil {
		return errors.New("transaction cannot be nil")
	}

	cmdTag, err := tx.Exec(ctx, `
		UPDATE tariffs
		SET status = $2,
		    deactivation_reason = CASE WHEN $2 = 'active' THEN NULL ELSE COALESCE($3, deactivation_reason) END,
		    updated_at = $4
		WHERE id = $1`,
		id, status, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update tariff status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func (r *tariffRepo) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	if tx == nil {
		return errors.New("transaction cannot be nil")
	}

	cmdTag, err := tx.Exec(ctx, `DELETE FROM tariffs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tariff: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// LIFECYCLE SUPPORT
// ============================================================================

// LockScope takes an advisory transaction lock on the (type, client-scope)
// namespace so concurrent activations of would-be-overlapping tariffs
// serialize: one commits, the other re-checks against the committed state.
func (r *tariffRepo) LockScope(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, clientID *string) error {
	if tx == nil {
		return errors.New("transaction cannot be nil")
	}
	scope := string(tariffType) + ":*"
	if clientID != nil {
		scope = string(tariffType) + ":" + *clientID
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
		return fmt.Errorf("failed to lock tariff scope %s: %w", scope, err)
	}
	return nil
}

func (r *tariffRepo) ListActiveOverlapping(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, clientID *string, start time.Time, end *time.Time, excludeID int64) ([]*domain.Tariff, error) {
	if tx == nil {
		return nil, errors.New("transaction cannot be nil")
	}

	// Half-open interval overlap with absent expiry treated as +infinity:
	// a.start <= b.end AND b.start <= a.end.
	query := `
		SELECT ` + tariffColumns + `
		FROM tariffs
		WHERE tariff_type = $1
		  AND status = 'active'
		  AND id <> $2
		  AND ((($3::text IS NULL) AND client_id IS NULL) OR client_id = $3)
		  AND effective_date <= COALESCE($5::timestamptz, 'infinity'::timestamptz)
		  AND COALESCE(expiry_date, 'infinity'::timestamptz) >= $4
		ORDER BY effective_date
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, tariffType, excludeID, clientID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list overlapping tariffs: %w", err)
	}
	defer rows.Close()

	return collectTariffs(rows)
}

// ============================================================================
// CODE GENERATION
// ============================================================================

func (r *tariffRepo) NextSequence(ctx context.Context, tx pgx.Tx, tariffType domain.TariffType, year int) (int, error) {
	if tx == nil {
		return 0, errors.New("transaction cannot be nil")
	}

	namespace := fmt.Sprintf("TR-%s-%d", tariffType.CodePrefix(), year)

	// Serialize sequence generation per prefix/year namespace. The unique
	// index on code is the backstop if two sessions still race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, namespace); err != nil {
		return 0, fmt.Errorf("failed to lock code namespace %s: %w", namespace, err)
	}

	var maxSeq int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(SPLIT_PART(code, '-', 4) AS INT)), 0)
		FROM tariffs
		WHERE code LIKE $1`,
		namespace+"-%",
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to scan max code sequence: %w", err)
	}

	return maxSeq + 1, nil
}

// ============================================================================
// EXPIRY SWEEP
// ============================================================================

func (r *tariffRepo) MarkExpired(ctx context.Context, tx pgx.Tx, now time.Time) ([]*domain.Tariff, error) {
	if tx == nil {
		return nil, errors.New("transaction cannot be nil")
	}

	query := `
		UPDATE tariffs
		SET status = 'expired', updated_at = $2
		WHERE status = 'active' AND expiry_date IS NOT NULL AND expiry_date < $1
		RETURNING ` + tariffColumns

	rows, err := tx.Query(ctx, query, now, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark expired tariffs: %w", err)
	}
	defer rows.Close()

	return collectTariffs(rows)
}

// ============================================================================
// HELPER SCAN FUNCTIONS
// ============================================================================

func scanTariff(row pgx.Row) (*domain.Tariff, error) {
	var (
		t              domain.Tariff
		minCharge      decimal.NullDecimal
		maxCharge      decimal.NullDecimal
		structureJSON  []byte
		policyJSON     []byte
		conditionsJSON []byte
	)

	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Name,
		&t.Description,
		&t.TariffType,
		&t.PricingModel,
		&t.UnitOfMeasure,
		&t.Currency,
		&t.ClientID,
		&t.ClientName,
		&t.EffectiveDate,
		&t.ExpiryDate,
		&t.BasePrice,
		&minCharge,
		&maxCharge,
		&structureJSON,
		&policyJSON,
		&t.Tax.Taxable,
		&t.Tax.Rate,
		&t.Tax.Jurisdiction,
		&conditionsJSON,
		&t.Status,
		&t.DeactivationReason,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tariff: %w", err)
	}

	if minCharge.Valid {
		t.MinimumCharge = &minCharge.Decimal
	}
	if maxCharge.Valid {
		t.MaximumCharge = &maxCharge.Decimal
	}
	if len(structureJSON) > 0 {
		if err := json.Unmarshal(structureJSON, &t.PricingStructure); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pricing structure: %w", err)
		}
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &t.DiscountPolicy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal discount policy: %w", err)
		}
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &t.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applicable conditions: %w", err)
		}
	}

	return &t, nil
}

func collectTariffs(rows pgx.Rows) ([]*domain.Tariff, error) {
	var tariffs []*domain.Tariff
	for rows.Next() {
		tariff, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		tariffs = append(tariffs, tariff)
	}
	return tariffs, rows.Err()
}

func marshalOrNull(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *domain.PricingStructure:
		if val == nil {
			return nil, nil
		}
	case []domain.DiscountRule:
		if val == nil {
			return nil, nil
		}
	case *domain.ApplicableConditions:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
