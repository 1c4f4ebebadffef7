package notify

import (
	"context"
	"fmt"
)

type Recipient struct {
	ContactID uint64
	Name      string
	Address   string
}

// Result is the outcome for one recipient. Exactly one of MessageID, Err or
// Skipped describes it.
type Result struct {
	ContactID uint64
	MessageID string
	Skipped   bool
	Err       error
}

// Batch describes one fan-out. Resolve and Build run per recipient, so a
// failure for one contact never affects the others.
type Batch struct {
	ContactIDs []uint64
	Resolve    func(ctx context.Context, contactID uint64) (Recipient, error)
	Build      func(r Recipient) (Message, error)

	// Skip reports recipients already served; optional.
	Skip func(ctx context.Context, r Recipient) bool
	// OnSent runs after each successful send; optional.
	OnSent func(ctx context.Context, r Recipient, messageID string)
}

type Sender struct {
	gw Gateway
}

func NewSender(gw Gateway) *Sender {
	return &Sender{gw: gw}
}

func (s *Sender) SendAll(ctx context.Context, b Batch) []Result {
	out := make([]Result, 0, len(b.ContactIDs))
	for _, id := range b.ContactIDs {
		out = append(out, s.sendOne(ctx, b, id))
	}
	return out
}

func (s *Sender) sendOne(ctx context.Context, b Batch, contactID uint64) (res Result) {
	res.ContactID = contactID
	defer func() {
		if r := recover(); r != nil {
			res = Result{ContactID: contactID, Err: fmt.Errorf("send panic: %v", r)}
		}
	}()

	rcpt, err := b.Resolve(ctx, contactID)
	if err != nil {
		res.Err = fmt.Errorf("resolve contact %d: %w", contactID, err)
		return res
	}
	if rcpt.Address == "" {
		res.Err = fmt.Errorf("contact %d has no address", contactID)
		return res
	}
	if b.Skip != nil && b.Skip(ctx, rcpt) {
		res.Skipped = true
		return res
	}
	msg, err := b.Build(rcpt)
	if err != nil {
		res.Err = err
		return res
	}
	msgID, err := s.gw.Send(ctx, rcpt.Address, msg)
	if err != nil {
		res.Err = err
		return res
	}
	res.MessageID = msgID
	if b.OnSent != nil {
		b.OnSent(ctx, rcpt, msgID)
	}
	return res
}

// Summarize counts results by outcome.
func Summarize(results []Result) (sent, failed, skipped int) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Skipped:
			skipped++
		default:
			sent++
		}
	}
	return sent, failed, skipped
}
