package plans

import "time"

// PeriodDays is the billing window length; usage resets when it elapses.
const PeriodDays = 30

// PeriodLength is PeriodDays as a duration.
const PeriodLength = PeriodDays * 24 * time.Hour

type Kind string

const (
	KindStarter Kind = "starter"
	KindPremium Kind = "premium"
	KindElite   Kind = "elite"
)

// grants maps a plan kind to the tokens granted per billing period.
var grants = map[Kind]int64{
	KindStarter: 35000,
	KindPremium: 55000,
	KindElite:   90000,
}

// GrantFor returns the per-period token grant for kind.
func GrantFor(kind Kind) (int64, bool) {
	g, ok := grants[kind]
	return g, ok
}

type Plan struct {
	AccountID   string
	Kind        Kind
	TotalTokens int64
	UsedTokens  int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Plan) Remaining() int64 {
	return p.TotalTokens - p.UsedTokens
}
