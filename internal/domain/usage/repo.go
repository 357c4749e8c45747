package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ db *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{db: db} }

// Append inserts one ledger row and fills in its id and timestamp.
func (r *Repo) Append(ctx context.Context, rec *Record) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO usage_records (account_id, action_kind, tokens_used, related_content_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, rec.AccountID, rec.Action, rec.TokensUsed, rec.RelatedContentID)
	return row.Scan(&rec.ID, &rec.CreatedAt)
}

// sortClause whitelists the ORDER BY target; anything else would splice
// caller input into SQL.
func sortClause(f Filter) (string, error) {
	var col string
	switch f.Sort {
	case SortCreatedAt, "":
		col = "created_at"
	case SortTokens:
		col = "tokens_used"
	default:
		return "", fmt.Errorf("usage: unsupported sort field %q", f.Sort)
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	// id in the same direction keeps ordering deterministic on ties
	return fmt.Sprintf("ORDER BY %s %s, id %s", col, dir, dir), nil
}

// Query returns the account's records matching f. It never mutates state
// and is safe to run concurrently with Append.
func (r *Repo) Query(ctx context.Context, accountID string, f Filter) ([]Record, error) {
	orderBy, err := sortClause(f)
	if err != nil {
		return nil, err
	}

	q := `SELECT id, account_id, action_kind, tokens_used, related_content_id, created_at
	      FROM usage_records
	      WHERE account_id = $1`
	args := []any{accountID}

	if days := f.Range.Days(); days > 0 {
		args = append(args, days)
		q += fmt.Sprintf(" AND created_at >= now() - $%d * INTERVAL '1 day'", len(args))
	}
	if f.Action != "" && f.Action != "all" {
		args = append(args, f.Action)
		q += fmt.Sprintf(" AND action_kind = $%d", len(args))
	}
	q += " " + orderBy

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.AccountID,
			&rec.Action,
			&rec.TokensUsed,
			&rec.RelatedContentID,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SumSince sums tokens_used over records at or after since. The total is
// derived from the rows themselves, so it cannot drift from the ledger.
func (r *Repo) SumSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	row := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM usage_records
		WHERE account_id = $1 AND created_at >= $2
	`, accountID, since)
	var total int64
	return total, row.Scan(&total)
}
