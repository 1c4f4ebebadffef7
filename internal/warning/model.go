package warning

import (
	"time"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindInsufficientSessions Kind = "Insufficient Sessions"
	KindNoPackage            Kind = "No Package"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

type Entry struct {
	ParticipantID uint64 `json:"participant_id"`
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
}

// Warning collects the funding anomalies of one appointment instance.
type Warning struct {
	ID            uint64                     `gorm:"primaryKey"`
	OwnerID       uint64                     `gorm:"index;not null"`
	AppointmentID uint64                     `gorm:"not null;uniqueIndex"`
	ChainID       *string                    `gorm:"type:text;index"`
	Entries       datatypes.JSONSlice[Entry] `gorm:"type:jsonb;not null"`
	Status        Status                     `gorm:"type:text;index;not null;default:'pending'"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

type Filter struct {
	Status  Status
	OwnerID *uint64
	ChainID *string
	Limit   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}
