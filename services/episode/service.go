package episode

import (
	"context"
	"encoding/json"
	"time"

	"castplane/pkg/db/option"
	"castplane/pkg/errutil"
	"castplane/pkg/repository"
	"castplane/pkg/timeutil"
	"castplane/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns every episode status transition. The publish orchestrator
// mutates publish bookkeeping exclusively through it, and the ledger is never
// written from here except via the ledger service inside BeginAssembly.
type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger *ledger.Service

	episodes repository.Repository[Episode]
	shows    repository.Repository[Show]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		episodes: repository.ProvideStore[Episode](p.DB),
		shows:    repository.ProvideStore[Show](p.DB),
		now:      time.Now,
	}
}

type CreateShowParams struct {
	UserID       string
	Title        string
	Description  string
	RemoteShowID *string
}

func (s *Service) CreateShow(ctx context.Context, p CreateShowParams) (*Show, error) {
	if p.UserID == "" || p.Title == "" {
		return nil, errutil.BadRequest("user_id and title are required", nil)
	}

	show := &Show{
		ID:           s.node.Generate().String(),
		UserID:       p.UserID,
		Title:        p.Title,
		Description:  p.Description,
		RemoteShowID: p.RemoteShowID,
	}
	if err := s.shows.Create(ctx, show); err != nil {
		s.logWith(ctx).Error("failed to create show", zap.Error(err))
		return nil, err
	}
	return show, nil
}

func (s *Service) GetShow(ctx context.Context, showID string) (*Show, error) {
	show, err := s.shows.FindOne(ctx, &Show{ID: showID})
	if err != nil {
		return nil, err
	}
	if show == nil {
		return nil, errutil.NotFound("show not found", nil)
	}
	return show, nil
}

type CreateParams struct {
	UserID    string
	ShowID    string
	Title     string
	ShowNotes string
}

// Create registers a new episode in the pending state, awaiting assembly.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Episode, error) {
	if p.UserID == "" || p.ShowID == "" {
		return nil, errutil.BadRequest("user_id and show_id are required", nil)
	}

	show, err := s.shows.FindOne(ctx, &Show{ID: p.ShowID})
	if err != nil {
		return nil, err
	}
	if show == nil || show.UserID != p.UserID {
		return nil, errutil.NotFound("show not found", nil)
	}

	title := p.Title
	if title == "" {
		title = "Untitled Episode"
	}

	ep := &Episode{
		ID:        s.node.Generate().String(),
		UserID:    p.UserID,
		ShowID:    p.ShowID,
		Title:     title,
		Slug:      slug.Make(title),
		ShowNotes: p.ShowNotes,
		Status:    StatusPending,
	}
	if err := s.episodes.Create(ctx, ep); err != nil {
		s.logWith(ctx, zap.String("show_id", p.ShowID)).Error("failed to create episode", zap.Error(err))
		return nil, err
	}
	return ep, nil
}

// Get loads an episode and applies the lazy published transition: observing
// an elapsed schedule flips the status and persists it. Re-reading an
// already published episode is a no-op.
func (s *Service) Get(ctx context.Context, episodeID string) (*Episode, error) {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}

	if err := s.maybePublishDue(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// List returns a user's episodes newest-first, applying the lazy published
// transition to any whose schedule elapsed.
func (s *Service) List(ctx context.Context, userID string) ([]*Episode, error) {
	rows, err := s.episodes.Find(ctx, &Episode{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return nil, err
	}

	for _, ep := range rows {
		if err := s.maybePublishDue(ctx, ep); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *Service) maybePublishDue(ctx context.Context, ep *Episode) error {
	now := s.now().UTC()
	if !ep.publishDue(now) {
		return nil
	}

	if err := s.episodes.Update(ctx, ep.ID, map[string]any{
		"status":     StatusPublished,
		"updated_at": now,
	}); err != nil {
		s.logWith(ctx, zap.String("episode_id", ep.ID)).Error("failed to persist lazy publish", zap.Error(err))
		return err
	}
	ep.Status = StatusPublished

	s.logWith(ctx, zap.String("episode_id", ep.ID)).Info("episode published by elapsed schedule")
	return nil
}

// DueForPublish lists episodes whose schedule elapsed but whose status has
// not caught up yet. Used by the sweep worker; semantics are identical to
// the lazy read path.
func (s *Service) DueForPublish(ctx context.Context, now time.Time) ([]*Episode, error) {
	return s.episodes.Find(ctx, &Episode{},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.NEQ, Value: StatusPublished}),
		option.ApplyOperator(option.Condition{Field: "publish_at", Operator: option.LTE, Value: now.UTC()}),
	)
}

// BeginAssembly charges processing minutes and moves the episode to
// processing in one transaction: the debit and the transition commit or roll
// back together. The assembly job id doubles as the debit's idempotency key,
// so an at-least-once redelivery of the start signal charges at most once.
func (s *Service) BeginAssembly(ctx context.Context, episodeID, jobID string, minutesEstimate int) (*Episode, error) {
	zapLog := s.logWith(ctx, zap.String("episode_id", episodeID), zap.String("job_id", jobID))

	if jobID == "" {
		return nil, errutil.BadRequest("job_id is required", nil)
	}

	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}

	switch ep.Status {
	case StatusPending, StatusProcessing:
	default:
		return nil, errutil.Conflict("episode is not awaiting assembly", nil)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		corr := jobID
		if _, err := s.ledger.PostDebitTx(ctx, tx, ledger.PostParams{
			UserID:        ep.UserID,
			EpisodeID:     &ep.ID,
			Minutes:       minutesEstimate,
			Reason:        ledger.ReasonProcessAudio,
			CorrelationID: &corr,
		}); err != nil {
			return err
		}

		return s.episodes.WithTrx(tx).Update(ctx, ep.ID, map[string]any{
			"status":     StatusProcessing,
			"updated_at": s.now().UTC(),
		})
	})
	if err != nil {
		zapLog.Error("failed to begin assembly", zap.Error(err))
		return nil, err
	}

	ep.Status = StatusProcessing
	zapLog.Info("assembly started", zap.Int("minutes_estimate", minutesEstimate))
	return ep, nil
}

// CompleteAssembly records the assembled audio and moves processing to
// processed.
func (s *Service) CompleteAssembly(ctx context.Context, episodeID, finalAudioRef string) (*Episode, error) {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}
	if ep.Status != StatusProcessing {
		return nil, errutil.Conflict("episode is not processing", nil)
	}
	if finalAudioRef == "" {
		return nil, errutil.BadRequest("final_audio_ref is required", nil)
	}

	now := s.now().UTC()
	if err := s.episodes.Update(ctx, ep.ID, map[string]any{
		"status":          StatusProcessed,
		"final_audio_ref": finalAudioRef,
		"processed_at":    now,
		"updated_at":      now,
	}); err != nil {
		return nil, err
	}

	ep.Status = StatusProcessed
	ep.FinalAudioRef = &finalAudioRef
	ep.ProcessedAt = &now
	return ep, nil
}

// FailAssembly moves processing to error. The ledger is untouched; refunds
// are explicit credits, never automatic.
func (s *Service) FailAssembly(ctx context.Context, episodeID, detail string) (*Episode, error) {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}
	if ep.Status != StatusProcessing {
		return nil, errutil.Conflict("episode is not processing", nil)
	}

	code := "assembly_failed"
	payload, _ := json.Marshal(map[string]string{"detail": detail})
	if err := s.episodes.Update(ctx, ep.ID, map[string]any{
		"status":               StatusError,
		"publish_error_code":   code,
		"publish_error_detail": payload,
		"updated_at":           s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	ep.Status = StatusError
	return ep, nil
}

// Schedule validates and stores a publish schedule. The normalized UTC
// instant drives scheduling; the raw local string is stored verbatim for
// display only.
func (s *Service) Schedule(ctx context.Context, episodeID, rawPublishAt, rawLocal string) (*Episode, error) {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}

	at, err := timeutil.NormalizeFuture(rawPublishAt, s.now())
	if err != nil {
		return nil, errutil.UnprocessableEntity("publish_at must be a future ISO8601 timestamp", err)
	}

	updates := map[string]any{
		"publish_at": at,
		"updated_at": s.now().UTC(),
	}
	if rawLocal != "" {
		updates["publish_at_local"] = rawLocal
	}
	if err := s.episodes.Update(ctx, ep.ID, updates); err != nil {
		return nil, err
	}

	ep.PublishAt = &at
	if rawLocal != "" {
		ep.PublishAtLocal = &rawLocal
	}
	return ep, nil
}

// ClearSchedule cancels a pending schedule. There is no task to cancel;
// clearing publish_at before it elapses is the whole operation.
func (s *Service) ClearSchedule(ctx context.Context, episodeID string) (*Episode, error) {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errutil.NotFound("episode not found", nil)
	}
	if ep.PublishAt == nil {
		return nil, errutil.Conflict("episode has no schedule", nil)
	}
	if !ep.PublishAt.After(s.now().UTC()) {
		return nil, errutil.Conflict("schedule already elapsed", nil)
	}

	if err := s.episodes.Update(ctx, ep.ID, map[string]any{
		"publish_at":       nil,
		"publish_at_local": nil,
		"updated_at":       s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	ep.PublishAt = nil
	ep.PublishAtLocal = nil
	return ep, nil
}

// RecordPublishFailure stores diagnostics from a failed publish attempt and
// flags the episode for republish. The local processed state is preserved:
// a remote failure never regresses status or discards assembled audio.
func (s *Service) RecordPublishFailure(ctx context.Context, episodeID, code string, detail any) error {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return err
	}
	if ep == nil {
		return errutil.NotFound("episode not found", nil)
	}

	payload, _ := json.Marshal(detail)
	if err := s.episodes.Update(ctx, ep.ID, map[string]any{
		"publish_error_code":   code,
		"publish_error_detail": payload,
		"needs_republish":      true,
		"updated_at":           s.now().UTC(),
	}); err != nil {
		return err
	}

	s.logWith(ctx, zap.String("episode_id", episodeID), zap.String("code", code)).
		Warn("publish attempt failed; flagged for republish")
	return nil
}

// ConfirmPublished applies the publisher's explicit confirmation and clears
// prior failure bookkeeping. Idempotent for already published episodes.
func (s *Service) ConfirmPublished(ctx context.Context, episodeID string, remoteEpisodeID *string) error {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return err
	}
	if ep == nil {
		return errutil.NotFound("episode not found", nil)
	}
	if ep.Status != StatusProcessed && ep.Status != StatusPublished {
		return errutil.Conflict("episode is not processed", nil)
	}

	updates := map[string]any{
		"status":               StatusPublished,
		"needs_republish":      false,
		"publish_error_code":   nil,
		"publish_error_detail": nil,
		"updated_at":           s.now().UTC(),
	}
	if remoteEpisodeID != nil {
		updates["remote_episode_id"] = *remoteEpisodeID
	}
	return s.episodes.Update(ctx, ep.ID, updates)
}

// ClearPublishFailure resets failure bookkeeping after a successful remote
// call that did not (yet) publish, e.g. a future-scheduled upload.
func (s *Service) ClearPublishFailure(ctx context.Context, episodeID string, remoteEpisodeID *string) error {
	updates := map[string]any{
		"needs_republish":      false,
		"publish_error_code":   nil,
		"publish_error_detail": nil,
		"updated_at":           s.now().UTC(),
	}
	if remoteEpisodeID != nil {
		updates["remote_episode_id"] = *remoteEpisodeID
	}
	return s.episodes.Update(ctx, episodeID, updates)
}

// RevertToProcessed is the local side of an unpublish: back to processed,
// remote reference and schedule cleared. Audio and ledger are untouched.
func (s *Service) RevertToProcessed(ctx context.Context, episodeID string) error {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return err
	}
	if ep == nil {
		return errutil.NotFound("episode not found", nil)
	}

	return s.episodes.Update(ctx, ep.ID, map[string]any{
		"status":            StatusProcessed,
		"remote_episode_id": nil,
		"publish_at":        nil,
		"publish_at_local":  nil,
		"updated_at":        s.now().UTC(),
	})
}

// SetRemoteCover mirrors a remote display field locally. Reconciliation
// only; no effect on status, schedule, ledger or republish bookkeeping.
func (s *Service) SetRemoteCover(ctx context.Context, episodeID, coverURL string) error {
	return s.episodes.Update(ctx, episodeID, map[string]any{
		"remote_cover_url": coverURL,
		"updated_at":       s.now().UTC(),
	})
}

// Delete removes the episode row. Ledger entries referencing it are kept:
// deleting an episode must never change a balance.
func (s *Service) Delete(ctx context.Context, episodeID string) error {
	ep, err := s.episodes.FindOne(ctx, &Episode{ID: episodeID})
	if err != nil {
		return err
	}
	if ep == nil {
		return errutil.NotFound("episode not found", nil)
	}
	return s.episodes.Delete(ctx, ep.ID)
}

func (s *Service) logWith(ctx context.Context, fields ...zap.Field) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
	return zap.L().With(append(opts, fields...)...)
}
