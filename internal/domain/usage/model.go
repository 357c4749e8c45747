package usage

import (
	"time"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
)

// Record is one line of the append-only usage ledger. Rows are written
// exactly once per successful debit and never updated.
type Record struct {
	ID               int64
	AccountID        string
	Action           costs.ActionKind
	TokensUsed       int64
	RelatedContentID *string
	CreatedAt        time.Time
}

// Range filters records by age.
type Range string

const (
	RangeAll     Range = "all"
	RangeWeek    Range = "7days"
	RangeMonth   Range = "30days"
	RangeQuarter Range = "90days"
)

// Days returns the lower-bound window in days, 0 meaning unbounded.
func (r Range) Days() int {
	switch r {
	case RangeWeek:
		return 7
	case RangeMonth:
		return 30
	case RangeQuarter:
		return 90
	default:
		return 0
	}
}

// Valid reports whether r is a known range.
func (r Range) Valid() bool {
	switch r {
	case RangeAll, RangeWeek, RangeMonth, RangeQuarter:
		return true
	}
	return false
}

// SortField names a sortable column.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortTokens    SortField = "tokens_used"
)

// Filter selects and orders history rows for one account.
type Filter struct {
	Range  Range
	Action costs.ActionKind // empty or "all" matches every kind
	Sort   SortField
	Desc   bool
}

// DefaultFilter mirrors the product's history view: everything,
// newest first.
func DefaultFilter() Filter {
	return Filter{Range: RangeAll, Action: "all", Sort: SortCreatedAt, Desc: true}
}
