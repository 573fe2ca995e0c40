package ledger

import (
	"context"
	"errors"
	"time"

	"castplane/pkg/db/option"
	"castplane/pkg/errutil"
	"castplane/pkg/repository"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	entries repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		entries: repository.ProvideStore[Entry](p.DB),
	}
}

type PostParams struct {
	UserID        string
	EpisodeID     *string
	Minutes       int
	Reason        Reason
	CorrelationID *string
	Notes         string
}

func (p PostParams) validate() error {
	if p.UserID == "" {
		return errutil.BadRequest("user_id is required", nil)
	}
	if p.Minutes <= 0 {
		return errutil.ValidationFailed("minutes must be a positive integer", nil)
	}
	if !p.Reason.Valid() {
		return errutil.BadRequest("unsupported ledger reason", nil)
	}
	return nil
}

// PostDebit inserts a DEBIT entry. When a correlation id is supplied and a
// DEBIT with the same key already exists, the storage-level unique constraint
// rejects the insert and PostDebit returns (nil, nil): an idempotent no-op,
// not an error. The constraint is the only concurrency control; there is
// deliberately no pre-check, which would race.
func (s *Service) PostDebit(ctx context.Context, p PostParams) (*Entry, error) {
	return s.postDebit(ctx, nil, p)
}

// PostDebitTx is PostDebit inside a caller-owned transaction, so a debit and
// its paired state transition commit or roll back together.
func (s *Service) PostDebitTx(ctx context.Context, tx *gorm.DB, p PostParams) (*Entry, error) {
	return s.postDebit(ctx, tx, p)
}

func (s *Service) postDebit(ctx context.Context, tx *gorm.DB, p PostParams) (*Entry, error) {
	zapLog := s.logWith(ctx,
		zap.String("user_id", p.UserID),
		zap.Int("minutes", p.Minutes),
		zap.Stringp("correlation_id", p.CorrelationID),
	)

	if err := p.validate(); err != nil {
		return nil, err
	}

	entry := &Entry{
		UserID:        p.UserID,
		EpisodeID:     p.EpisodeID,
		Minutes:       p.Minutes,
		Direction:     DirectionDebit,
		Reason:        p.Reason,
		CorrelationID: p.CorrelationID,
		Notes:         p.Notes,
	}

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		if p.CorrelationID != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			zapLog.Info("usage.debit duplicate correlation id; treating as no-op")
			return nil, nil
		}
		zapLog.Error("failed to post debit", zap.Error(err))
		return nil, err
	}

	zapLog.Info("usage.debit posted", zap.Int64("entry_id", entry.ID))
	return entry, nil
}

// PostCredit always inserts; credits carry no idempotency key semantics.
func (s *Service) PostCredit(ctx context.Context, p PostParams) (*Entry, error) {
	zapLog := s.logWith(ctx,
		zap.String("user_id", p.UserID),
		zap.Int("minutes", p.Minutes),
		zap.String("reason", string(p.Reason)),
	)

	if err := p.validate(); err != nil {
		return nil, err
	}

	entry := &Entry{
		UserID:        p.UserID,
		EpisodeID:     p.EpisodeID,
		Minutes:       p.Minutes,
		Direction:     DirectionCredit,
		Reason:        p.Reason,
		CorrelationID: p.CorrelationID,
		Notes:         p.Notes,
	}

	if err := s.entries.Create(ctx, entry); err != nil {
		zapLog.Error("failed to post credit", zap.Error(err))
		return nil, err
	}

	zapLog.Info("usage.credit posted", zap.Int64("entry_id", entry.ID))
	return entry, nil
}

// BalanceMinutes computes credits minus debits with a full scan of the
// user's entries.
func (s *Service) BalanceMinutes(ctx context.Context, userID string) (int, error) {
	rows, err := s.entries.Find(ctx, &Entry{UserID: userID})
	if err != nil {
		s.logWith(ctx, zap.String("user_id", userID)).Error("failed to scan ledger", zap.Error(err))
		return 0, err
	}

	balance := 0
	for _, r := range rows {
		if r.Direction == DirectionDebit {
			balance -= r.Minutes
		} else {
			balance += r.Minutes
		}
	}
	return balance, nil
}

// MonthMinutesUsed reports net debited minutes inside [periodStart, periodEnd],
// floored at zero.
func (s *Service) MonthMinutesUsed(ctx context.Context, userID string, periodStart, periodEnd time.Time) (int, error) {
	rows, err := s.entries.Find(ctx, &Entry{UserID: userID})
	if err != nil {
		return 0, err
	}

	used := 0
	for _, r := range rows {
		if r.CreatedAt.Before(periodStart) || r.CreatedAt.After(periodEnd) {
			continue
		}
		if r.Direction == DirectionDebit {
			used += r.Minutes
		} else {
			used -= r.Minutes
		}
	}
	if used < 0 {
		used = 0
	}
	return used, nil
}

// UserLedger returns a newest-first page of the user's entries for display.
func (s *Service) UserLedger(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.entries.Find(ctx, &Entry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

func (s *Service) logWith(ctx context.Context, fields ...zap.Field) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
	return zap.L().With(append(opts, fields...)...)
}
