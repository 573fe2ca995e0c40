package publish

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"castplane/pkg/config"
	"castplane/services/episode"
	"castplane/services/ledger"
	"castplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRemote struct {
	mu      sync.Mutex
	nextID  int
	creates []EpisodeUpload
	updates []EpisodeUpload
	deletes []string

	failWith error
	episodes map[string]*RemoteEpisode
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{episodes: map[string]*RemoteEpisode{}}
}

func (f *fakeRemote) UploadEpisode(_ context.Context, upload EpisodeUpload) (*RemoteEpisode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.nextID++
	f.creates = append(f.creates, upload)
	remote := &RemoteEpisode{
		ID:        fmt.Sprintf("rem-%d", f.nextID),
		ShowID:    upload.ShowID,
		Title:     upload.Title,
		AudioURL:  upload.AudioURL,
		PublishAt: upload.PublishAt,
	}
	f.episodes[remote.ID] = remote
	return remote, nil
}

func (f *fakeRemote) UpdateEpisode(_ context.Context, id string, upload EpisodeUpload) (*RemoteEpisode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.updates = append(f.updates, upload)
	remote, ok := f.episodes[id]
	if !ok {
		return nil, &RemoteError{StatusCode: 404, Body: "not found"}
	}
	remote.Title = upload.Title
	remote.AudioURL = upload.AudioURL
	remote.PublishAt = upload.PublishAt
	return remote, nil
}

func (f *fakeRemote) GetEpisode(_ context.Context, id string) (*RemoteEpisode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remote, ok := f.episodes[id]
	if !ok {
		return nil, &RemoteError{StatusCode: 404, Body: "not found"}
	}
	return remote, nil
}

func (f *fakeRemote) DeleteEpisode(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.episodes[id]; !ok {
		return &RemoteError{StatusCode: 404, Body: "not found"}
	}
	delete(f.episodes, id)
	f.deletes = append(f.deletes, id)
	return nil
}

type fakePresigner struct{}

func (fakePresigner) PresignAudio(_ context.Context, objectKey string) (string, error) {
	return "https://storage.test/" + objectKey + "?sig=abc", nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fakeSeq struct{ n int }

func (f *fakeSeq) NextPublishJobRef(context.Context, string) (string, error) {
	f.n++
	return fmt.Sprintf("PUB-TEST-%03d", f.n), nil
}

func (f *fakeSeq) NextAssemblyJobRef(context.Context, string) (string, error) {
	f.n++
	return fmt.Sprintf("ASM-TEST-%03d", f.n), nil
}

type testEnv struct {
	svc    *Service
	eps    *episode.Service
	db     *gorm.DB
	remote *fakeRemote
	enq    *fakeEnqueuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t, &episode.Show{}, &episode.Episode{}, &ledger.Entry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{DB: db})
	eps := episode.NewService(episode.ServiceParams{DB: db, Node: node, Ledger: led})

	cfg := &config.Config{}
	cfg.Publisher.RetentionGrace = 24 * time.Hour

	remote := newFakeRemote()
	enq := &fakeEnqueuer{}

	svc := NewService(ServiceParams{
		Config:   cfg,
		Episodes: eps,
		Remote:   remote,
		Presign:  fakePresigner{},
		Tasks:    enq,
		Seq:      &fakeSeq{},
	})

	return &testEnv{svc: svc, eps: eps, db: db, remote: remote, enq: enq}
}

// processedEpisode builds an episode through the full assembly flow.
func (e *testEnv) processedEpisode(t *testing.T) *episode.Episode {
	t.Helper()
	ctx := context.Background()

	remoteShow := "show-9"
	show, err := e.eps.CreateShow(ctx, episode.CreateShowParams{
		UserID: "user-1", Title: "Show", RemoteShowID: &remoteShow,
	})
	require.NoError(t, err)

	ep, err := e.eps.Create(ctx, episode.CreateParams{UserID: "user-1", ShowID: show.ID, Title: "Episode One"})
	require.NoError(t, err)
	_, err = e.eps.BeginAssembly(ctx, ep.ID, "job-"+ep.ID, 5)
	require.NoError(t, err)
	got, err := e.eps.CompleteAssembly(ctx, ep.ID, "audio/"+ep.ID+".mp3")
	require.NoError(t, err)
	return got
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("pending episode rejected", func(t *testing.T) {
		remoteShow := "show-1"
		show, err := env.eps.CreateShow(ctx, episode.CreateShowParams{
			UserID: "user-1", Title: "Show", RemoteShowID: &remoteShow,
		})
		require.NoError(t, err)
		ep, err := env.eps.Create(ctx, episode.CreateParams{UserID: "user-1", ShowID: show.ID, Title: "Raw"})
		require.NoError(t, err)

		_, err = env.svc.Publish(ctx, PublishParams{EpisodeID: ep.ID})
		require.Error(t, err)
	})

	t.Run("no remote show reference rejected", func(t *testing.T) {
		show, err := env.eps.CreateShow(ctx, episode.CreateShowParams{UserID: "user-1", Title: "Unlinked"})
		require.NoError(t, err)
		ep, err := env.eps.Create(ctx, episode.CreateParams{UserID: "user-1", ShowID: show.ID, Title: "x"})
		require.NoError(t, err)
		_, err = env.eps.BeginAssembly(ctx, ep.ID, "job-u", 5)
		require.NoError(t, err)
		_, err = env.eps.CompleteAssembly(ctx, ep.ID, "audio/u.mp3")
		require.NoError(t, err)

		_, err = env.svc.Publish(ctx, PublishParams{EpisodeID: ep.ID})
		require.Error(t, err)

		t.Run("explicit show ref resolves", func(t *testing.T) {
			receipt, err := env.svc.Publish(ctx, PublishParams{EpisodeID: ep.ID, ShowRef: "override-77"})
			require.NoError(t, err)
			require.Equal(t, "override-77", receipt.ShowRef)
		})
	})

	t.Run("processed episode enqueues", func(t *testing.T) {
		ep := env.processedEpisode(t)
		queued := len(env.enq.tasks)

		receipt, err := env.svc.Publish(ctx, PublishParams{EpisodeID: ep.ID})
		require.NoError(t, err)
		require.NotEmpty(t, receipt.JobRef)
		require.Equal(t, "show-9", receipt.ShowRef)
		require.Len(t, env.enq.tasks, queued+1)
	})

	t.Run("publish with schedule stores it first", func(t *testing.T) {
		ep := env.processedEpisode(t)
		future := time.Now().UTC().Add(3 * time.Hour).Format(time.RFC3339)

		receipt, err := env.svc.Publish(ctx, PublishParams{
			EpisodeID:      ep.ID,
			PublishAt:      future,
			PublishAtLocal: "tonight",
		})
		require.NoError(t, err)
		require.NotNil(t, receipt.PublishAt)
		require.Equal(t, "tonight", receipt.ScheduledFor)

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.NotNil(t, got.PublishAt)
		require.Equal(t, "tonight", *got.PublishAtLocal)
	})
}

func TestExecutePublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("create path publishes immediately", func(t *testing.T) {
		ep := env.processedEpisode(t)

		err := env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID, JobRef: "PUB-1"})
		require.NoError(t, err)
		require.Len(t, env.remote.creates, 1)
		require.Contains(t, env.remote.creates[0].AudioURL, "sig=abc")
		require.Equal(t, "public", env.remote.creates[0].Visibility)

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.Equal(t, episode.StatusPublished, got.Status)
		require.NotNil(t, got.RemoteEpisodeID)
	})

	t.Run("existing remote copy is updated, not recreated", func(t *testing.T) {
		ep := env.processedEpisode(t)

		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))
		creates := len(env.remote.creates)

		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID, Force: true}))
		require.Len(t, env.remote.creates, creates)
		require.NotEmpty(t, env.remote.updates)
	})

	t.Run("future schedule uploads without publishing", func(t *testing.T) {
		ep := env.processedEpisode(t)
		future := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
		_, err := env.eps.Schedule(ctx, ep.ID, future, "")
		require.NoError(t, err)

		err = env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID})
		require.NoError(t, err)

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.Equal(t, episode.StatusProcessed, got.Status)
		require.Equal(t, episode.StatusScheduled, got.ViewStatus(time.Now().UTC()))
		require.NotNil(t, got.RemoteEpisodeID)
	})
}

func TestExecutePublishFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ep := env.processedEpisode(t)
	env.remote.failWith = &RemoteError{StatusCode: 503, Body: "overloaded"}

	err := env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID, JobRef: "PUB-9"})
	require.Error(t, err)

	got, err := env.eps.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.Equal(t, episode.StatusProcessed, got.Status)
	require.True(t, got.NeedsRepublish)
	require.NotNil(t, got.PublishErrorCode)
	require.Equal(t, "upstream_5xx", *got.PublishErrorCode)
	require.NotNil(t, got.FinalAudioRef)

	t.Run("retry after recovery clears bookkeeping", func(t *testing.T) {
		env.remote.failWith = nil

		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.Equal(t, episode.StatusPublished, got.Status)
		require.False(t, got.NeedsRepublish)
		require.Nil(t, got.PublishErrorCode)
	})
}

func TestUnpublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("within retention grace", func(t *testing.T) {
		ep := env.processedEpisode(t)
		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

		require.NoError(t, env.svc.Unpublish(ctx, ep.ID, false))

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.Equal(t, episode.StatusProcessed, got.Status)
		require.Nil(t, got.RemoteEpisodeID)
		require.NotNil(t, got.FinalAudioRef)
		require.NotEmpty(t, env.remote.deletes)
	})

	t.Run("beyond retention grace requires force", func(t *testing.T) {
		ep := env.processedEpisode(t)
		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

		old := time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, env.db.Model(&episode.Episode{}).Where("id = ?", ep.ID).
			Update("publish_at", old).Error)

		err := env.svc.Unpublish(ctx, ep.ID, false)
		require.Error(t, err)

		require.NoError(t, env.svc.Unpublish(ctx, ep.ID, true))
	})

	t.Run("missing remote copy is tolerated", func(t *testing.T) {
		ep := env.processedEpisode(t)
		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		delete(env.remote.episodes, *got.RemoteEpisodeID)

		require.NoError(t, env.svc.Unpublish(ctx, ep.ID, false))
	})

	t.Run("scheduled episode cancels freely", func(t *testing.T) {
		ep := env.processedEpisode(t)
		future := time.Now().UTC().Add(6 * time.Hour).Format(time.RFC3339)
		_, err := env.eps.Schedule(ctx, ep.ID, future, "")
		require.NoError(t, err)
		require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

		require.NoError(t, env.svc.Unpublish(ctx, ep.ID, false))

		got, err := env.eps.Get(ctx, ep.ID)
		require.NoError(t, err)
		require.Equal(t, episode.StatusProcessed, got.Status)
		require.Nil(t, got.PublishAt)
		require.Nil(t, got.RemoteEpisodeID)
	})

	t.Run("neither published nor scheduled rejected", func(t *testing.T) {
		ep := env.processedEpisode(t)
		require.Error(t, env.svc.Unpublish(ctx, ep.ID, false))
	})
}

func TestRefreshRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ep := env.processedEpisode(t)
	future := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
	_, err := env.eps.Schedule(ctx, ep.ID, future, "")
	require.NoError(t, err)
	require.NoError(t, env.svc.ExecutePublish(ctx, PublishEpisodePayload{EpisodeID: ep.ID}))

	got, err := env.eps.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.Equal(t, episode.StatusProcessed, got.Status)

	env.remote.episodes[*got.RemoteEpisodeID].CoverURL = "https://cdn.test/cover.jpg"

	require.NoError(t, env.svc.RefreshRemote(ctx, ep.ID))

	got, err = env.eps.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteCoverURL)
	require.Equal(t, "https://cdn.test/cover.jpg", *got.RemoteCoverURL)

	// Refresh mirrors display fields only.
	require.Equal(t, episode.StatusProcessed, got.Status)
	require.False(t, got.NeedsRepublish)

	t.Run("no remote copy", func(t *testing.T) {
		fresh := env.processedEpisode(t)
		require.Error(t, env.svc.RefreshRemote(ctx, fresh.ID))
	})
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := env.processedEpisode(t)
	fresh := env.processedEpisode(t)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&episode.Episode{}).Where("id = ?", due.ID).
		Update("publish_at", past).Error)

	require.NoError(t, env.svc.Sweep(ctx))

	got, err := env.eps.Get(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, episode.StatusPublished, got.Status)

	got, err = env.eps.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, episode.StatusProcessed, got.Status)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	running := map[string]int{}
	maxSeen := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("ep-%d", i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock(key)
			defer km.Unlock(key)

			mu.Lock()
			running[key]++
			if running[key] > maxSeen[key] {
				maxSeen[key] = running[key]
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen["ep-0"])
	require.Equal(t, 1, maxSeen["ep-1"])
}
