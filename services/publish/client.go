package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"castplane/pkg/config"
)

// RemoteEpisode is the hosting platform's view of an episode.
type RemoteEpisode struct {
	ID        string     `json:"id"`
	ShowID    string     `json:"show_id"`
	Title     string     `json:"title"`
	AudioURL  string     `json:"audio_url"`
	CoverURL  string     `json:"cover_url"`
	PublishAt *time.Time `json:"publish_at"`
	Published bool       `json:"published"`
}

type EpisodeUpload struct {
	ShowID     string     `json:"show_id"`
	Title      string     `json:"title"`
	Slug       string     `json:"slug"`
	ShowNotes  string     `json:"show_notes"`
	AudioURL   string     `json:"audio_url"`
	Visibility string     `json:"visibility"`
	PublishAt  *time.Time `json:"publish_at,omitempty"`
}

// RemoteClient talks to the external hosting platform. The orchestrator only
// depends on this interface; the HTTP client below is the production wiring.
type RemoteClient interface {
	UploadEpisode(ctx context.Context, upload EpisodeUpload) (*RemoteEpisode, error)
	UpdateEpisode(ctx context.Context, remoteEpisodeID string, upload EpisodeUpload) (*RemoteEpisode, error)
	GetEpisode(ctx context.Context, remoteEpisodeID string) (*RemoteEpisode, error)
	DeleteEpisode(ctx context.Context, remoteEpisodeID string) error
}

// RemoteError is a non-2xx reply from the hosting platform. FailureCode
// buckets it for the episode's publish_error_code field.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote publisher returned %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteError) FailureCode() string {
	if e.StatusCode >= 500 {
		return "upstream_5xx"
	}
	return "upstream_4xx"
}

type httpRemoteClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRemoteClient(cfg *config.Config) RemoteClient {
	return &httpRemoteClient{
		baseURL: cfg.Publisher.BaseURL,
		client:  &http.Client{Timeout: cfg.Publisher.RequestTimeout},
	}
}

func (c *httpRemoteClient) UploadEpisode(ctx context.Context, upload EpisodeUpload) (*RemoteEpisode, error) {
	var out RemoteEpisode
	url := fmt.Sprintf("%s/shows/%s/episodes", c.baseURL, upload.ShowID)
	if err := c.do(ctx, http.MethodPost, url, upload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRemoteClient) UpdateEpisode(ctx context.Context, remoteEpisodeID string, upload EpisodeUpload) (*RemoteEpisode, error) {
	var out RemoteEpisode
	url := fmt.Sprintf("%s/episodes/%s", c.baseURL, remoteEpisodeID)
	if err := c.do(ctx, http.MethodPut, url, upload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRemoteClient) GetEpisode(ctx context.Context, remoteEpisodeID string) (*RemoteEpisode, error) {
	var out RemoteEpisode
	url := fmt.Sprintf("%s/episodes/%s", c.baseURL, remoteEpisodeID)
	if err := c.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpRemoteClient) DeleteEpisode(ctx context.Context, remoteEpisodeID string) error {
	url := fmt.Sprintf("%s/episodes/%s", c.baseURL, remoteEpisodeID)
	return c.do(ctx, http.MethodDelete, url, nil, nil)
}

func (c *httpRemoteClient) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
