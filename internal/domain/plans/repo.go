package plans

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInsufficientBudget = errors.New("plans: insufficient token budget")
	ErrAccountNotFound    = errors.New("plans: account plan not found")
	ErrUnknownKind        = errors.New("plans: unknown plan kind")
)

type Repo struct{ db *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{db: db} }

const planColumns = `account_id, plan_kind, total_tokens, used_tokens,
	period_start, period_end, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	if err := row.Scan(
		&p.AccountID,
		&p.Kind,
		&p.TotalTokens,
		&p.UsedTokens,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Get resolves the plan for accountID without touching it.
func (r *Repo) Get(ctx context.Context, accountID string) (*Plan, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM account_plans WHERE account_id = $1
	`, accountID)
	return scanPlan(row)
}

// Ensure creates the default starter plan on first access. Concurrent
// calls for the same account are safe: the insert is a no-op for an
// existing row and the current plan is returned either way.
func (r *Repo) Ensure(ctx context.Context, accountID string) (*Plan, error) {
	grant := grants[KindStarter]
	if _, err := r.db.Exec(ctx, `
		INSERT INTO account_plans (account_id, plan_kind, total_tokens)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, KindStarter, grant); err != nil {
		return nil, err
	}
	return r.Get(ctx, accountID)
}

// rollover resets usage and advances the billing window when the current
// period has elapsed. The guard lives in the WHERE clause, so concurrent
// callers apply at most one reset per elapsed period.
func (r *Repo) rollover(ctx context.Context, accountID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE account_plans
		SET used_tokens  = 0,
		    period_start = now(),
		    period_end   = now() + $2 * INTERVAL '1 day',
		    updated_at   = now()
		WHERE account_id = $1
		  AND period_end < now()
	`, accountID, PeriodDays)
	return err
}

// Rollover applies a due period reset and returns the current plan.
func (r *Repo) Rollover(ctx context.Context, accountID string) (*Plan, error) {
	if err := r.rollover(ctx, accountID); err != nil {
		return nil, err
	}
	return r.Get(ctx, accountID)
}

// TryDebit atomically spends tokens from the account's budget. The check
// and the increment are a single conditional UPDATE, so two concurrent
// debits can never both fit into a remainder that only holds one of them.
// Returns the new used_tokens value on success.
func (r *Repo) TryDebit(ctx context.Context, accountID string, tokens int64) (int64, error) {
	if tokens < 0 {
		return 0, fmt.Errorf("plans: negative debit %d", tokens)
	}
	// A due rollover is persisted before the debit is evaluated.
	if err := r.rollover(ctx, accountID); err != nil {
		return 0, err
	}

	row := r.db.QueryRow(ctx, `
		UPDATE account_plans
		SET used_tokens = used_tokens + $2,
		    updated_at  = now()
		WHERE account_id = $1
		  AND used_tokens + $2 <= total_tokens
		RETURNING used_tokens
	`, accountID, tokens)

	var newUsed int64
	if err := row.Scan(&newUsed); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
		// No row updated: either the account is missing or the budget
		// does not cover the debit.
		if _, err := r.Get(ctx, accountID); err != nil {
			return 0, err
		}
		return 0, ErrInsufficientBudget
	}
	return newUsed, nil
}

// SetKind switches the account to a different plan kind and its grant.
// Consumed tokens are kept as-is; only the ceiling changes.
func (r *Repo) SetKind(ctx context.Context, accountID string, kind Kind) (*Plan, error) {
	grant, ok := GrantFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	row := r.db.QueryRow(ctx, `
		UPDATE account_plans
		SET plan_kind    = $2,
		    total_tokens = $3,
		    updated_at   = now()
		WHERE account_id = $1
		RETURNING `+planColumns+`
	`, accountID, kind, grant)
	return scanPlan(row)
}
