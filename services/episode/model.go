package episode

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
	StatusPublished  Status = "published"

	// StatusScheduled is a read-time derived view, never persisted.
	StatusScheduled Status = "scheduled"
)

// Show is the podcast an episode belongs to. RemoteShowID is the numeric
// identifier on the external hosting service; publishing requires it.
type Show struct {
	ID             string    `gorm:"column:id;primaryKey"`
	UserID         string    `gorm:"column:user_id;index"`
	Title          string    `gorm:"column:title"`
	Description    string    `gorm:"column:description"`
	RemoteShowID   *string   `gorm:"column:remote_show_id"`
	RemoteCoverURL *string   `gorm:"column:remote_cover_url"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (Show) TableName() string {
	return "shows"
}

// Episode carries the assembly and publication state. PublishAt is the
// canonical UTC schedule; PublishAtLocal holds the user's original string
// verbatim for display and must never feed scheduling decisions.
type Episode struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	UserID             string         `gorm:"column:user_id;index"`
	ShowID             string         `gorm:"column:show_id;index"`
	Title              string         `gorm:"column:title"`
	Slug               string         `gorm:"column:slug"`
	ShowNotes          string         `gorm:"column:show_notes"`
	Status             Status         `gorm:"column:status"`
	FinalAudioRef      *string        `gorm:"column:final_audio_ref"`
	PublishAt          *time.Time     `gorm:"column:publish_at"`
	PublishAtLocal     *string        `gorm:"column:publish_at_local"`
	NeedsRepublish     bool           `gorm:"column:needs_republish"`
	PublishErrorCode   *string        `gorm:"column:publish_error_code"`
	PublishErrorDetail datatypes.JSON `gorm:"column:publish_error_detail"`
	RemoteEpisodeID    *string        `gorm:"column:remote_episode_id"`
	RemoteCoverURL     *string        `gorm:"column:remote_cover_url"`
	ProcessedAt        *time.Time     `gorm:"column:processed_at"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (Episode) TableName() string {
	return "episodes"
}

// ViewStatus derives the externally visible status: a pending or processed
// episode with a future schedule reads as "scheduled".
func (e *Episode) ViewStatus(now time.Time) Status {
	if (e.Status == StatusPending || e.Status == StatusProcessed) &&
		e.PublishAt != nil && e.PublishAt.After(now) {
		return StatusScheduled
	}
	return e.Status
}

// publishDue reports whether the lazy published transition applies.
func (e *Episode) publishDue(now time.Time) bool {
	return e.Status != StatusPublished && e.PublishAt != nil && !e.PublishAt.After(now)
}
