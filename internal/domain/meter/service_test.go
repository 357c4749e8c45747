package meter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
	"github.com/contentpilot/tokenmeter/internal/domain/plans"
	"github.com/contentpilot/tokenmeter/internal/domain/usage"
	"github.com/contentpilot/tokenmeter/internal/infra/metrics"
)

// memLedger mirrors the repo's conditional-update semantics: rollover
// first, then check+increment under one lock.
type memLedger struct {
	mu    sync.Mutex
	plans map[string]*memPlan
	now   func() time.Time
}

type memPlan struct {
	total     int64
	used      int64
	periodEnd time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{plans: map[string]*memPlan{}, now: time.Now}
}

func (l *memLedger) TryDebit(_ context.Context, accountID string, tokens int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.plans[accountID]
	if !ok {
		return 0, plans.ErrAccountNotFound
	}
	if now := l.now(); now.After(p.periodEnd) {
		p.used = 0
		p.periodEnd = now.Add(plans.PeriodLength)
	}
	if p.used+tokens > p.total {
		return 0, plans.ErrInsufficientBudget
	}
	p.used += tokens
	return p.used, nil
}

type memHistory struct {
	mu      sync.Mutex
	records []usage.Record
	failing bool
}

func (h *memHistory) Append(_ context.Context, rec *usage.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("history unavailable")
	}
	rec.ID = int64(len(h.records) + 1)
	rec.CreatedAt = time.Now()
	h.records = append(h.records, *rec)
	return nil
}

func newService(l Ledger, h History) *Service {
	m := metrics.New(prometheus.NewRegistry())
	return NewService(slog.New(slog.DiscardHandler), l, h, m, nil)
}

func TestMeterCharges(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 1000, used: 500, periodEnd: time.Now().Add(time.Hour)}
	history := &memHistory{}
	svc := newService(ledger, history)

	// hook: ceil(75 + 20*0.15) = 78
	res, err := svc.Meter(context.Background(), "acc-1", costs.ActionHook, strings.Repeat("w ", 20), false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(78), res.Tokens)
	assert.Equal(t, int64(578), res.NewUsed)
	assert.Equal(t, int64(578), ledger.plans["acc-1"].used)

	require.Len(t, history.records, 1)
	assert.Equal(t, int64(78), history.records[0].TokensUsed)
	assert.Equal(t, costs.ActionHook, history.records[0].Action)
	assert.Equal(t, "acc-1", history.records[0].AccountID)
}

func TestMeterInsufficientBudget(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 1000, used: 900, periodEnd: time.Now().Add(time.Hour)}
	history := &memHistory{}
	svc := newService(ledger, history)

	// template: ceil(100 + 50*0.2) = 110 > 100 remaining
	_, err := svc.Meter(context.Background(), "acc-1", costs.ActionTemplate, strings.Repeat("w ", 50), false, nil)
	require.ErrorIs(t, err, ErrInsufficientBudget)
	assert.Equal(t, int64(900), ledger.plans["acc-1"].used)
	assert.Empty(t, history.records)
}

func TestMeterPrivilegedBypass(t *testing.T) {
	ledger := newMemLedger() // no plans at all: the ledger must not be touched
	history := &memHistory{}
	svc := newService(ledger, history)

	res, err := svc.Meter(context.Background(), "admin", costs.ActionRevival, strings.Repeat("w ", 500), true, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Tokens)
	assert.Empty(t, history.records)
}

func TestMeterAccountNotFound(t *testing.T) {
	svc := newService(newMemLedger(), &memHistory{})

	_, err := svc.Meter(context.Background(), "ghost", costs.ActionHook, "text", false, nil)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMeterUnknownAction(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 1000, periodEnd: time.Now().Add(time.Hour)}
	svc := newService(ledger, &memHistory{})

	_, err := svc.Meter(context.Background(), "acc-1", "teleport", "text", false, nil)
	require.Error(t, err)
	assert.Equal(t, int64(0), ledger.plans["acc-1"].used)
}

func TestMeterAppendFailureKeepsCharge(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 1000, periodEnd: time.Now().Add(time.Hour)}
	history := &memHistory{failing: true}
	svc := newService(ledger, history)

	res, err := svc.Meter(context.Background(), "acc-1", costs.ActionHook, "", false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(75), res.Tokens)
	assert.Equal(t, int64(75), ledger.plans["acc-1"].used)
}

func TestMeterPeriodRollover(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 1000, used: 990, periodEnd: time.Now().Add(-time.Minute)}
	history := &memHistory{}
	svc := newService(ledger, history)

	res, err := svc.Meter(context.Background(), "acc-1", costs.ActionHook, "", false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(75), res.NewUsed, "usage resets before the debit is evaluated")
	assert.True(t, ledger.plans["acc-1"].periodEnd.After(time.Now()))
	// prior records are untouched by a rollover
	require.Len(t, history.records, 1)
}

// Two racing debits that fit individually but not together: exactly one
// wins, and the balance moves by the winner's amount only.
func TestMeterConcurrentDebitsNeverOverspend(t *testing.T) {
	for i := 0; i < 50; i++ {
		ledger := newMemLedger()
		ledger.plans["acc-1"] = &memPlan{total: 1000, used: 900, periodEnd: time.Now().Add(time.Hour)}
		history := &memHistory{}
		svc := newService(ledger, history)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				// hook with no text: 75 tokens; two of them exceed the 100 left
				_, errs[g] = svc.Meter(context.Background(), "acc-1", costs.ActionHook, "", false, nil)
			}(g)
		}
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBudget):
				rejected++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, rejected)
		assert.Equal(t, int64(975), ledger.plans["acc-1"].used)
		assert.Len(t, history.records, 1)
	}
}

// used_tokens always equals the sum of the debits that succeeded.
func TestMeterUsedEqualsSumOfSuccesses(t *testing.T) {
	ledger := newMemLedger()
	ledger.plans["acc-1"] = &memPlan{total: 500, periodEnd: time.Now().Add(time.Hour)}
	history := &memHistory{}
	svc := newService(ledger, history)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var charged int64
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Meter(context.Background(), "acc-1", costs.ActionHook, "", false, nil)
			if err == nil {
				mu.Lock()
				charged += res.Tokens
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, charged, ledger.plans["acc-1"].used)
	assert.LessOrEqual(t, ledger.plans["acc-1"].used, int64(500))
	var recorded int64
	for _, r := range history.records {
		recorded += r.TokensUsed
	}
	assert.Equal(t, charged, recorded)
}
