package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tariff-service/internal/domain"
)

// TariffVersionRepository is the append-only version history store. Entries
// are never updated or deleted.
type TariffVersionRepository interface {
	AppendBatch(ctx context.Context, tx pgx.Tx, entries []*domain.TariffVersion) error
	ListByTariff(ctx context.Context, tariffID int64) ([]*domain.TariffVersion, error)
	NextVersion(ctx context.Context, tx pgx.Tx, tariffID int64) (int, error)
}

type tariffVersionRepo struct {
	db *pgxpool.Pool
}

func NewTariffVersionRepo(db *pgxpool.Pool) TariffVersionRepository {
	return &tariffVersionRepo{db: db}
}

func (r *tariffVersionRepo) AppendBatch(ctx context.Context, tx pgx.Tx, entries []*domain.TariffVersion) error {
	if tx == nil {
		return errors.New("transaction cannot be nil")
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO tariff_versions (tariff_id, version, field, old_value, new_value, changed_by, changed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.TariffID, e.Version, e.Field, e.OldValue, e.NewValue, e.ChangedBy, now,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to append version history: %w", err)
		}
	}
	return nil
}

func (r *tariffVersionRepo) ListByTariff(ctx context.Context, tariffID int64) ([]*domain.TariffVersion, error) {
	query := `
		SELECT id, tariff_id, version, field, old_value, new_value, changed_by, changed_at
		FROM tariff_versions
		WHERE tariff_id = $1
		ORDER BY version, id`

	rows, err := r.db.Query(ctx, query, tariffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariff versions: %w", err)
	}
	defer rows.Close()

	var entries []*domain.TariffVersion
	for rows.Next() {
		var e domain.TariffVersion
		if err := rows.Scan(&e.ID, &e.TariffID, &e.Version, &e.Field, &e.OldValue, &e.NewValue, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tariff version: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *tariffVersionRepo) NextVersion(ctx context.Context, tx pgx.Tx, tariffID int64) (int, error) {
	if tx == nil {
		return 0, errors.New("transaction cannot be nil")
	}

	var maxVersion int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM tariff_versions WHERE tariff_id = $1`,
		tariffID,
	).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to scan max version: %w", err)
	}
	return maxVersion + 1, nil
}
