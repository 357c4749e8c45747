package limits

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCategoryLimitExceeded = errors.New("limits: category limit exceeded")
	ErrReservationNotFound   = errors.New("limits: reservation not found")
)

// Ceilings enforced across the product. The mechanism is the same for all
// of them; only the category key and the ceiling differ.
const (
	MaxHooksPerType         = 12
	MaxHooksTotal           = 108
	MaxTemplatesPerPlatform = 25
	MaxVoiceProfiles        = 5
	MaxHookContentPerType   = 12
)

type Repo struct{ db *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{db: db} }

// CheckAndReserve counts the account's items in category and inserts a
// reservation row, as one atomic unit. A transaction-scoped advisory lock
// on (account, category) serializes concurrent reservations, so two
// creations racing at the ceiling cannot both pass a stale count.
// Returns the reservation id.
func (r *Repo) CheckAndReserve(ctx context.Context, accountID, category string, maxCount int) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`,
		accountID, category,
	); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM category_items WHERE account_id = $1 AND category = $2`,
		accountID, category,
	).Scan(&count); err != nil {
		return 0, err
	}
	if count >= maxCount {
		return 0, ErrCategoryLimitExceeded
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO category_items (account_id, category) VALUES ($1, $2) RETURNING id`,
		accountID, category,
	).Scan(&id); err != nil {
		return 0, err
	}
	return id, tx.Commit(ctx)
}

// Release drops a reservation after its guarded item is deleted, freeing
// a slot under the ceiling. The delete is scoped to the owning account so
// one account cannot free another account's slot by guessing an id.
func (r *Repo) Release(ctx context.Context, accountID string, id int64) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM category_items WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// Count reports the account's current item count in category.
func (r *Repo) Count(ctx context.Context, accountID, category string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM category_items WHERE account_id = $1 AND category = $2`,
		accountID, category,
	).Scan(&count)
	return count, err
}
