package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"castplane/pkg/config"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) RemoteClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Publisher.BaseURL = srv.URL
	cfg.Publisher.RequestTimeout = 5 * time.Second
	return NewHTTPRemoteClient(cfg)
}

func TestHTTPRemoteClientCreate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/shows/show-1/episodes", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var upload EpisodeUpload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upload))
		require.Equal(t, "Episode One", upload.Title)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RemoteEpisode{ID: "rem-1", ShowID: upload.ShowID})
	})

	remote, err := client.UploadEpisode(context.Background(), EpisodeUpload{
		ShowID: "show-1",
		Title:  "Episode One",
	})
	require.NoError(t, err)
	require.Equal(t, "rem-1", remote.ID)
}

func TestHTTPRemoteClientUpdateAndDelete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/episodes/rem-7", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			_ = json.NewEncoder(w).Encode(RemoteEpisode{ID: "rem-7"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})

	remote, err := client.UpdateEpisode(context.Background(), "rem-7", EpisodeUpload{Title: "v2"})
	require.NoError(t, err)
	require.Equal(t, "rem-7", remote.ID)

	require.NoError(t, client.DeleteEpisode(context.Background(), "rem-7"))
}

func TestHTTPRemoteClientErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such episode", http.StatusNotFound)
	})

	_, err := client.GetEpisode(context.Background(), "rem-404")
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
	require.Equal(t, "upstream_4xx", remoteErr.FailureCode())

	t.Run("server errors bucket separately", func(t *testing.T) {
		require.Equal(t, "upstream_5xx", (&RemoteError{StatusCode: 502}).FailureCode())
	})
}
