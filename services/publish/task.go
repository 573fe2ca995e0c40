package publish

import (
	"context"
	"encoding/json"

	"castplane/pkg/taskname"

	"github.com/hibiken/asynq"
)

type PublishEpisodePayload struct {
	EpisodeID  string `json:"episode_id"`
	ShowRef    string `json:"show_ref,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	JobRef     string `json:"job_ref"`
	Force      bool   `json:"force"`
}

func NewPublishEpisodeTask(p PublishEpisodePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PublishEpisode, payload), nil
}

func NewPublishSweepTask() *asynq.Task {
	return asynq.NewTask(taskname.PublishSweep, nil)
}

// RegisterHandlers wires the publish tasks into the worker mux.
func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.PublishEpisode, svc.handlePublishEpisode)
	mux.HandleFunc(taskname.PublishSweep, svc.handlePublishSweep)
}

func (s *Service) handlePublishEpisode(ctx context.Context, task *asynq.Task) error {
	var p PublishEpisodePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return err
	}
	return s.ExecutePublish(ctx, p)
}

func (s *Service) handlePublishSweep(ctx context.Context, _ *asynq.Task) error {
	return s.Sweep(ctx)
}
