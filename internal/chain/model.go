package chain

import (
	"fmt"
	"time"
)

type Unit string

const (
	UnitWeekly  Unit = "weekly"
	UnitMonthly Unit = "monthly"
)

func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitWeekly, UnitMonthly:
		return Unit(s), nil
	}
	return "", fmt.Errorf("unknown repetition unit %q", s)
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// State tracks one repetition chain. Position is the last completed link
// and only moves forward by one.
type State struct {
	ChainID             string    `gorm:"primaryKey;type:text"`
	OriginAppointmentID uint64    `gorm:"not null;uniqueIndex"`
	OwnerID             uint64    `gorm:"not null;index"`
	Unit                Unit      `gorm:"type:text;not null"`
	AnchorAt            time.Time `gorm:"not null"`
	Total               int       `gorm:"not null"`
	Position            int       `gorm:"not null;default:0"`
	Status              Status    `gorm:"type:text;not null;default:'active'"`
	NextJobID           *uint64

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (State) TableName() string { return "chain_states" }

type Payload struct {
	ChainID  string `json:"chain_id"`
	Position int    `json:"position"`
}

func DedupKey(chainID string, position int) string {
	return fmt.Sprintf("chain:%s:%d", chainID, position)
}
