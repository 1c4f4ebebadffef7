package appointment

import (
	"time"

	"github.com/lib/pq"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Appointment struct {
	ID uint64 `gorm:"primaryKey"`

	OwnerID        uint64        `gorm:"index;not null"`
	ParticipantIDs pq.Int64Array `gorm:"type:bigint[];not null;default:'{}'"`

	Title           string    `gorm:"type:text;not null"`
	Notes           string    `gorm:"type:text;not null;default:''"`
	PriceCents      int64     `gorm:"not null;default:0"`
	StartAt         time.Time `gorm:"index;not null"`
	DurationMinutes int       `gorm:"not null"`
	Status          Status    `gorm:"type:text;index;not null;default:'pending'"`

	// ReminderJobID points at the current live reminder job.
	ReminderJobID *uint64 `gorm:"index"`

	// Chain fields survive completion and cancellation of the chain.
	ChainID        *string `gorm:"type:text;index"`
	ChainPosition  int     `gorm:"not null;default:0"`
	ChainTotal     int     `gorm:"not null;default:0"`
	CompletedLinks int     `gorm:"not null;default:0"`

	Version int `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (a *Appointment) EndAt() time.Time {
	return a.StartAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Recipients returns the owner followed by each participant, without duplicates.
func (a *Appointment) Recipients() []uint64 {
	out := []uint64{a.OwnerID}
	seen := map[uint64]bool{a.OwnerID: true}
	for _, p := range a.ParticipantIDs {
		id := uint64(p)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type FundingKind string

const (
	FundingPackage   FundingKind = "package"
	FundingPayPerUse FundingKind = "pay_per_use"
)

type FundingStatus string

const (
	FundingUnsettled      FundingStatus = "unsettled"
	FundingCovered        FundingStatus = "covered"
	FundingShortfall      FundingStatus = "shortfall"
	FundingPendingPayment FundingStatus = "pending_payment"
)

// Funding says how one participant pays for one appointment. The origin
// appointment's fundings are the template copied onto chain instances.
type Funding struct {
	ID uint64 `gorm:"primaryKey"`

	AppointmentID  uint64        `gorm:"index;not null"`
	ParticipantID  uint64        `gorm:"not null"`
	Kind           FundingKind   `gorm:"type:text;not null"`
	PackageOrderID *uint64       `gorm:"index"`
	AmountCents    int64         `gorm:"not null;default:0"`
	Status         FundingStatus `gorm:"type:text;not null;default:'unsettled'"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

type Contact struct {
	ID    uint64 `gorm:"primaryKey"`
	Name  string `gorm:"type:text;not null"`
	Email string `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}
