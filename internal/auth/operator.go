package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"agenda/internal/dbctx"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Operator struct {
	ID           uint64    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;default:now()"`
}

type Operators interface {
	ByEmail(ctx context.Context, email string) (*Operator, error)
	Save(ctx context.Context, o *Operator) error
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// EnsureOperator creates the operator or resets its password to the
// configured one.
func EnsureOperator(ctx context.Context, ops Operators, email, password string) (*Operator, error) {
	email = NormalizeEmail(email)
	if email == "" || len(password) < 8 {
		return nil, errors.New("operator email and a password of at least 8 characters are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	o, err := ops.ByEmail(ctx, email)
	if errors.Is(err, ErrInvalidCredentials) {
		o = &Operator{Email: email}
	} else if err != nil {
		return nil, err
	}
	o.PasswordHash = hash
	if err := ops.Save(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Login checks the credentials and returns a signed token.
func Login(ctx context.Context, ops Operators, jwtSvc *JWT, email, password string) (string, error) {
	o, err := ops.ByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	if !ComparePassword(o.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return jwtSvc.Sign(o.ID)
}

type OperatorRepo struct {
	DB *gorm.DB
}

func (r *OperatorRepo) ByEmail(ctx context.Context, email string) (*Operator, error) {
	var o Operator
	if err := dbctx.Conn(ctx, r.DB).Where("email = ?", email).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &o, nil
}

func (r *OperatorRepo) Save(ctx context.Context, o *Operator) error {
	return dbctx.Conn(ctx, r.DB).Save(o).Error
}

type MemOperators struct {
	mu     sync.Mutex
	nextID uint64
	byMail map[string]Operator
}

func NewMemOperators() *MemOperators {
	return &MemOperators{byMail: map[string]Operator{}}
}

func (m *MemOperators) ByEmail(_ context.Context, email string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byMail[email]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &o, nil
}

func (m *MemOperators) Save(_ context.Context, o *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		m.nextID++
		o.ID = m.nextID
		o.CreatedAt = time.Now()
	}
	m.byMail[o.Email] = *o
	return nil
}
