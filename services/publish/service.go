package publish

import (
	"context"
	"errors"
	"net/url"
	"time"

	"castplane/pkg/config"
	"castplane/pkg/errutil"
	"castplane/pkg/sequence"
	"castplane/services/episode"

	"github.com/hibiken/asynq"
	miniogo "github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AudioPresigner turns a stored audio object key into a URL the hosting
// platform can fetch.
type AudioPresigner interface {
	PresignAudio(ctx context.Context, objectKey string) (string, error)
}

type minioPresigner struct {
	client *miniogo.Client
	bucket string
	expiry time.Duration
}

func NewMinioPresigner(client *miniogo.Client, cfg *config.Config) AudioPresigner {
	return &minioPresigner{
		client: client,
		bucket: cfg.Minio.BucketName,
		expiry: cfg.Publisher.PresignExpiry,
	}
}

func (p *minioPresigner) PresignAudio(ctx context.Context, objectKey string) (string, error) {
	u, err := p.client.PresignedGetObject(ctx, p.bucket, objectKey, p.expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Enqueuer is the slice of *asynq.Client the orchestrator needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Service drives the remote side of publication. All local state changes go
// through the episode service; this package never touches the database
// directly.
type Service struct {
	cfg      *config.Config
	episodes *episode.Service
	remote   RemoteClient
	presign  AudioPresigner
	tasks    Enqueuer
	seq      sequence.Generator

	locks *keyedMutex
	now   func() time.Time
}

type ServiceParams struct {
	fx.In
	Config   *config.Config
	Episodes *episode.Service
	Remote   RemoteClient
	Presign  AudioPresigner
	Tasks    Enqueuer
	Seq      sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		cfg:      p.Config,
		episodes: p.Episodes,
		remote:   p.Remote,
		presign:  p.Presign,
		tasks:    p.Tasks,
		seq:      p.Seq,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

type PublishParams struct {
	EpisodeID string
	// ShowRef overrides the remote show id derived from the episode's show.
	ShowRef string
	// Visibility on the hosting platform. Empty means public.
	Visibility string
	// PublishAt, when set, schedules the episode before queueing the upload.
	// Raw string; normalized by the state machine.
	PublishAt      string
	PublishAtLocal string
	Force          bool
}

type Receipt struct {
	JobRef string `json:"job_ref"`
	// ScheduledFor is the verbatim local time string supplied by the caller,
	// for display. PublishAt is the normalized UTC instant.
	ScheduledFor string     `json:"scheduled_for,omitempty"`
	ShowRef      string     `json:"show_ref"`
	PublishAt    *time.Time `json:"publish_at,omitempty"`
}

// Publish validates the episode, applies any requested schedule, and hands
// the remote call to the task queue. The receipt's job ref identifies the
// queued attempt to the caller.
func (s *Service) Publish(ctx context.Context, p PublishParams) (*Receipt, error) {
	ep, err := s.episodes.Get(ctx, p.EpisodeID)
	if err != nil {
		return nil, err
	}

	switch ep.Status {
	case episode.StatusProcessed:
	case episode.StatusPublished:
		if !p.Force && !ep.NeedsRepublish {
			return nil, errutil.Conflict("episode is already published", nil)
		}
	default:
		return nil, errutil.Conflict("episode audio is not processed yet", nil)
	}
	if ep.FinalAudioRef == nil || *ep.FinalAudioRef == "" {
		return nil, errutil.UnprocessableEntity("episode has no assembled audio", nil)
	}

	showRef := p.ShowRef
	if showRef == "" {
		show, err := s.episodes.GetShow(ctx, ep.ShowID)
		if err != nil {
			return nil, err
		}
		if show.RemoteShowID != nil {
			showRef = *show.RemoteShowID
		}
	}
	if showRef == "" {
		return nil, errutil.UnprocessableEntity("no remote show reference to publish under", nil)
	}

	if p.PublishAt != "" {
		if ep, err = s.episodes.Schedule(ctx, ep.ID, p.PublishAt, p.PublishAtLocal); err != nil {
			return nil, err
		}
	}

	jobRef, err := s.seq.NextPublishJobRef(ctx, ep.UserID)
	if err != nil {
		return nil, err
	}

	visibility := p.Visibility
	if visibility == "" {
		visibility = "public"
	}

	task, err := NewPublishEpisodeTask(PublishEpisodePayload{
		EpisodeID:  ep.ID,
		ShowRef:    showRef,
		Visibility: visibility,
		JobRef:     jobRef,
		Force:      p.Force,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.tasks.EnqueueContext(ctx, task, asynq.Queue("critical"), asynq.MaxRetry(5)); err != nil {
		s.logWith(ctx, zap.String("episode_id", ep.ID)).Error("failed to enqueue publish task", zap.Error(err))
		return nil, err
	}

	s.logWith(ctx, zap.String("episode_id", ep.ID), zap.String("job_ref", jobRef)).Info("publish queued")
	receipt := &Receipt{JobRef: jobRef, ShowRef: showRef, PublishAt: ep.PublishAt}
	if ep.PublishAtLocal != nil {
		receipt.ScheduledFor = *ep.PublishAtLocal
	}
	return receipt, nil
}

// Republish is Publish with force semantics, for episodes whose remote copy
// is stale after a failed attempt or a local edit.
func (s *Service) Republish(ctx context.Context, episodeID string) (*Receipt, error) {
	return s.Publish(ctx, PublishParams{EpisodeID: episodeID, Force: true})
}

// ExecutePublish performs the remote upload. It runs on the worker under the
// per-episode lock. An existing remote reference means update, not create,
// so retried attempts never produce duplicate remote episodes. Failures are
// recorded on the episode and returned so the queue retries.
func (s *Service) ExecutePublish(ctx context.Context, p PublishEpisodePayload) error {
	s.locks.Lock(p.EpisodeID)
	defer s.locks.Unlock(p.EpisodeID)

	zapLog := s.logWith(ctx, zap.String("episode_id", p.EpisodeID), zap.String("job_ref", p.JobRef))

	ep, err := s.episodes.Get(ctx, p.EpisodeID)
	if err != nil {
		return err
	}
	if ep.Status == episode.StatusPublished && !p.Force && !ep.NeedsRepublish {
		zapLog.Info("episode already published; skipping")
		return nil
	}

	showRef := p.ShowRef
	if showRef == "" {
		show, err := s.episodes.GetShow(ctx, ep.ShowID)
		if err != nil {
			return err
		}
		if show.RemoteShowID == nil {
			return errutil.UnprocessableEntity("no remote show reference to publish under", nil)
		}
		showRef = *show.RemoteShowID
	}

	audioURL, err := s.presign.PresignAudio(ctx, *ep.FinalAudioRef)
	if err != nil {
		zapLog.Error("failed to presign audio", zap.Error(err))
		return err
	}

	visibility := p.Visibility
	if visibility == "" {
		visibility = "public"
	}
	upload := EpisodeUpload{
		ShowID:     showRef,
		Title:      ep.Title,
		Slug:       ep.Slug,
		ShowNotes:  ep.ShowNotes,
		AudioURL:   audioURL,
		Visibility: visibility,
		PublishAt:  ep.PublishAt,
	}

	var remote *RemoteEpisode
	if ep.RemoteEpisodeID != nil && *ep.RemoteEpisodeID != "" {
		remote, err = s.remote.UpdateEpisode(ctx, *ep.RemoteEpisodeID, upload)
	} else {
		remote, err = s.remote.UploadEpisode(ctx, upload)
	}
	if err != nil {
		code := "publish_failed"
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) {
			code = remoteErr.FailureCode()
		}
		if recordErr := s.episodes.RecordPublishFailure(ctx, ep.ID, code, map[string]string{
			"job_ref": p.JobRef,
			"detail":  err.Error(),
		}); recordErr != nil {
			zapLog.Error("failed to record publish failure", zap.Error(recordErr))
		}
		zapLog.Warn("remote publish failed", zap.String("code", code), zap.Error(err))
		return err
	}

	remoteID := remote.ID
	if ep.PublishAt != nil && ep.PublishAt.After(s.now().UTC()) {
		// Uploaded but scheduled: stays unpublished locally until the
		// schedule elapses.
		if err := s.episodes.ClearPublishFailure(ctx, ep.ID, &remoteID); err != nil {
			return err
		}
		zapLog.Info("episode uploaded; publish pending schedule", zap.Timep("publish_at", ep.PublishAt))
		return nil
	}

	if err := s.episodes.ConfirmPublished(ctx, ep.ID, &remoteID); err != nil {
		return err
	}
	zapLog.Info("episode published", zap.String("remote_episode_id", remoteID))
	return nil
}

// Unpublish removes the remote copy and reverts local publish bookkeeping.
// A scheduled-but-unpublished episode cancels freely. A published one is
// protected by the retention grace once that window elapses; force
// overrides.
func (s *Service) Unpublish(ctx context.Context, episodeID string, force bool) error {
	s.locks.Lock(episodeID)
	defer s.locks.Unlock(episodeID)

	ep, err := s.episodes.Get(ctx, episodeID)
	if err != nil {
		return err
	}

	switch {
	case ep.Status == episode.StatusPublished:
		publishedAt := ep.UpdatedAt
		if ep.PublishAt != nil {
			publishedAt = *ep.PublishAt
		}
		if !force && s.now().UTC().Sub(publishedAt.UTC()) > s.cfg.Publisher.RetentionGrace {
			return errutil.Conflict("retention grace elapsed; unpublish requires force", nil)
		}
	case ep.Status == episode.StatusProcessed && (ep.PublishAt != nil || ep.RemoteEpisodeID != nil):
		// Scheduled or uploaded but not yet live; cancels without guard.
	default:
		return errutil.Conflict("episode is not published or scheduled", nil)
	}

	if ep.RemoteEpisodeID != nil && *ep.RemoteEpisodeID != "" {
		if err := s.remote.DeleteEpisode(ctx, *ep.RemoteEpisodeID); err != nil {
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) || remoteErr.StatusCode != 404 {
				s.logWith(ctx, zap.String("episode_id", episodeID)).Error("remote delete failed", zap.Error(err))
				return err
			}
			// 404 means the remote copy is already gone.
		}
	}

	if err := s.episodes.RevertToProcessed(ctx, episodeID); err != nil {
		return err
	}
	s.logWith(ctx, zap.String("episode_id", episodeID)).Info("episode unpublished")
	return nil
}

// RefreshRemote pulls the hosting platform's copy and reconciles mirrored
// display fields. It never touches the ledger, the status machine or
// republish bookkeeping.
func (s *Service) RefreshRemote(ctx context.Context, episodeID string) error {
	ep, err := s.episodes.Get(ctx, episodeID)
	if err != nil {
		return err
	}
	if ep.RemoteEpisodeID == nil || *ep.RemoteEpisodeID == "" {
		return errutil.Conflict("episode has no remote copy", nil)
	}

	remote, err := s.remote.GetEpisode(ctx, *ep.RemoteEpisodeID)
	if err != nil {
		return err
	}

	if remote.CoverURL != "" {
		if err := s.episodes.SetRemoteCover(ctx, ep.ID, remote.CoverURL); err != nil {
			return err
		}
	}
	return nil
}

// Sweep flips episodes whose schedule elapsed without anyone reading them.
// It reuses the read path's transition, so a sweep and a concurrent read
// converge on the same state.
func (s *Service) Sweep(ctx context.Context) error {
	due, err := s.episodes.DueForPublish(ctx, s.now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ep := range due {
		g.Go(func() error {
			_, err := s.episodes.Get(ctx, ep.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logWith(ctx, zap.Int("episodes", len(due))).Info("publish sweep completed")
	return nil
}

func (s *Service) logWith(ctx context.Context, fields ...zap.Field) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
	return zap.L().With(append(opts, fields...)...)
}
