package taskname

const (
	// Publish tasks
	PublishEpisode = "publish:episode"
	PublishSweep   = "publish:sweep"
)
