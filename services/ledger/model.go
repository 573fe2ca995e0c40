package ledger

import (
	"time"

	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

type Reason string

const (
	ReasonProcessAudio Reason = "PROCESS_AUDIO"
	ReasonRefundError  Reason = "REFUND_ERROR"
	ReasonManualAdjust Reason = "MANUAL_ADJUST"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonProcessAudio, ReasonRefundError, ReasonManualAdjust:
		return true
	}
	return false
}

// Entry is one immutable row of the processing-minutes ledger. Rows are only
// ever inserted; balances are derived by summing credits minus debits.
//
// The partial unique index on correlation_id is the idempotency mechanism for
// debits: a retried charge with the same correlation id hits the constraint
// and is treated as a no-op. Credits are never deduplicated because manual
// adjustments may legitimately repeat.
type Entry struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        string         `gorm:"column:user_id;index"`
	EpisodeID     *string        `gorm:"column:episode_id;index"`
	Minutes       int            `gorm:"column:minutes"`
	Direction     Direction      `gorm:"column:direction"`
	Reason        Reason         `gorm:"column:reason"`
	CorrelationID *string        `gorm:"column:correlation_id;index:uq_ledger_debit_corr,unique,where:direction = 'DEBIT' AND correlation_id IS NOT NULL"`
	Notes         string         `gorm:"column:notes"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (Entry) TableName() string {
	return "processing_minutes_ledger"
}
