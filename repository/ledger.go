package repository

import (
	"context"
	"fmt"

	"github.com/178inaba/duty-time-bot/entity"
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository stores the ledger in the duty_records table.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Load(ctx context.Context) (entity.Ledger, error) {
	query, args, err := sq.
		Select(
			"member_id",
			"name",
			"total_minutes",
			"on_duty_since",
			"seq",
		).
		From("duty_records").
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("to sql: %w", err)
	}

	var records []*entity.DutyRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	l := make(entity.Ledger, len(records))
	for _, rec := range records {
		l[rec.MemberID] = rec
	}

	return l, nil
}

// Save replaces every row with the given ledger in one transaction.
func (r *LedgerRepository) Save(ctx context.Context, l entity.Ledger) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query, args, err := sq.Delete("duty_records").ToSql()
	if err != nil {
		return fmt.Errorf("to sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec delete: %w", err)
	}

	if len(l) > 0 {
		ib := sq.
			Insert("duty_records").
			Columns(
				"member_id",
				"name",
				"total_minutes",
				"on_duty_since",
				"seq",
			)
		for id, rec := range l {
			ib = ib.Values(
				id,
				rec.Name,
				rec.TotalMinutes,
				rec.OnDutySince,
				rec.Seq,
			)
		}

		query, args, err := ib.ToSql()
		if err != nil {
			return fmt.Errorf("to sql: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("exec insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}
