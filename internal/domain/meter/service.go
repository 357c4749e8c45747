// Package meter is the single entry point for billing content-generation
// actions: it prices the action, debits the account's budget atomically
// and appends the audit record. A successful result is the caller's only
// authorization to run the costly external generation call.
package meter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
	"github.com/contentpilot/tokenmeter/internal/domain/limits"
	"github.com/contentpilot/tokenmeter/internal/domain/plans"
	"github.com/contentpilot/tokenmeter/internal/domain/usage"
	"github.com/contentpilot/tokenmeter/internal/infra/metrics"
)

// Callers branch on these, not on error text.
var (
	ErrInsufficientBudget    = plans.ErrInsufficientBudget
	ErrAccountNotFound       = plans.ErrAccountNotFound
	ErrCategoryLimitExceeded = limits.ErrCategoryLimitExceeded
)

// Ledger is the atomic debit side of the account plan store.
type Ledger interface {
	TryDebit(ctx context.Context, accountID string, tokens int64) (int64, error)
}

// History is the append side of the usage ledger.
type History interface {
	Append(ctx context.Context, rec *usage.Record) error
}

// Notifier receives best-effort operational alerts. May be nil.
type Notifier interface {
	BudgetExhausted(ctx context.Context, accountID string, action costs.ActionKind, tokens int64)
}

// Result is a granted charge. Tokens is what the action cost; NewUsed is
// the account's consumed total after the debit (0 for privileged calls).
type Result struct {
	Tokens  int64
	NewUsed int64
}

type Service struct {
	log      *slog.Logger
	ledger   Ledger
	history  History
	metrics  *metrics.Metrics
	notifier Notifier
}

func NewService(log *slog.Logger, ledger Ledger, history History, m *metrics.Metrics, n Notifier) *Service {
	return &Service{log: log, ledger: ledger, history: history, metrics: m, notifier: n}
}

// Meter prices the action and charges the account. Privileged accounts
// bypass the ledger entirely: no debit, no usage record, zero cost.
// On rejection nothing is spent and nothing is recorded.
func (s *Service) Meter(ctx context.Context, accountID string, action costs.ActionKind, text string, privileged bool, relatedContentID *string) (Result, error) {
	if privileged {
		return Result{}, nil
	}

	price, err := costs.Price(action, text)
	if err != nil {
		return Result{}, err
	}
	tokens := int64(price)

	newUsed, err := s.ledger.TryDebit(ctx, accountID, tokens)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBudget):
			s.metrics.Rejections.WithLabelValues("insufficient_budget").Inc()
			if s.notifier != nil {
				s.notifier.BudgetExhausted(ctx, accountID, action, tokens)
			}
		case errors.Is(err, ErrAccountNotFound):
			s.metrics.Rejections.WithLabelValues("account_not_found").Inc()
		default:
			s.metrics.Rejections.WithLabelValues("storage").Inc()
		}
		return Result{}, err
	}

	rec := &usage.Record{
		AccountID:        accountID,
		Action:           action,
		TokensUsed:       tokens,
		RelatedContentID: relatedContentID,
	}
	if err := s.history.Append(ctx, rec); err != nil {
		// The debit stands: the charge is already durable and the caller
		// is authorized to proceed. The audit gap is logged, not fatal.
		s.log.Error("usage record append failed after debit",
			"account_id", accountID,
			"action", action,
			"tokens", tokens,
			"err", err,
		)
	}

	s.metrics.Debits.WithLabelValues(string(action)).Inc()
	s.metrics.TokensCharged.Add(float64(tokens))
	return Result{Tokens: tokens, NewUsed: newUsed}, nil
}
