package ledger

import "time"

// PackageOrder is a prepaid bundle of sessions. UsedSessions only grows and
// never passes TotalSessions.
type PackageOrder struct {
	ID            uint64 `gorm:"primaryKey"`
	ParticipantID uint64 `gorm:"index;not null"`
	TotalSessions int    `gorm:"not null"`
	UsedSessions  int    `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (o *PackageOrder) Remaining() int {
	return o.TotalSessions - o.UsedSessions
}

// SessionConsumption links one consumed session to the appointment that used
// it; (order, appointment) is unique.
type SessionConsumption struct {
	ID            uint64    `gorm:"primaryKey"`
	OrderID       uint64    `gorm:"not null"`
	AppointmentID uint64    `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null;default:now()"`
}

type PendingStatus string

const PendingStatusPending PendingStatus = "pending"

// PendingOrder is a pay-per-use charge awaiting payment, unique per
// (appointment, participant).
type PendingOrder struct {
	ID            uint64        `gorm:"primaryKey"`
	AppointmentID uint64        `gorm:"not null;index"`
	ParticipantID uint64        `gorm:"not null"`
	AmountCents   int64         `gorm:"not null;default:0"`
	Status        PendingStatus `gorm:"type:text;not null;default:'pending'"`
	CreatedAt     time.Time     `gorm:"not null;default:now()"`
}

type ConsumeResult string

const (
	Consumed        ConsumeResult = "consumed"
	AlreadyConsumed ConsumeResult = "already_consumed"
	Insufficient    ConsumeResult = "insufficient"
	NotFound        ConsumeResult = "not_found"
)

// Covered reports whether the appointment's session is paid for.
func (r ConsumeResult) Covered() bool {
	return r == Consumed || r == AlreadyConsumed
}
