package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeReminder       Type = "reminder"
	TypeRepetitionLink Type = "repetition_link"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLocked    Status = "locked"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

type Job struct {
	ID uint64 `gorm:"primaryKey"`

	Type    Type           `gorm:"type:text;not null;index"`
	Payload datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	RunAt    time.Time `gorm:"index;not null"`
	Status   Status    `gorm:"type:text;index;not null;default:'scheduled'"`
	Priority int       `gorm:"not null;default:0"`

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:8"`

	// DedupKey is unique among scheduled jobs; see db.AutoMigrateAndIndexes.
	DedupKey *string `gorm:"type:text;index"`

	AppointmentID *uint64 `gorm:"index"`
	ChainID       *string `gorm:"type:text;index"`
	ChainPosition int     `gorm:"not null;default:0"`

	LockToken      *string    `gorm:"type:text"`
	LockedBy       *string    `gorm:"type:text"`
	LockedAt       *time.Time `gorm:"type:timestamptz"`
	LeaseExpiresAt *time.Time `gorm:"type:timestamptz;index"`

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

// ScheduleRequest describes a job to insert. Zero Priority and MaxAttempts
// fall back to store defaults.
type ScheduleRequest struct {
	Type          Type
	Payload       []byte
	RunAt         time.Time
	DedupKey      string
	Priority      int
	MaxAttempts   int
	AppointmentID *uint64
	ChainID       *string
	ChainPosition int
}

// Filter narrows ListPending. Empty Statuses means scheduled and locked.
type Filter struct {
	Type          Type
	Statuses      []Status
	AppointmentID *uint64
	ChainID       *string
	Limit         int
}

type ClaimRequest struct {
	Types []Type
	Owner string
	Lease time.Duration
	Now   time.Time
}

const DefaultMaxAttempts = 8

func (f Filter) statuses() []Status {
	if len(f.Statuses) == 0 {
		return []Status{StatusScheduled, StatusLocked}
	}
	return f.Statuses
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}
