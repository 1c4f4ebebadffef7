package chain

import (
	"context"
	"fmt"

	"agenda/internal/appointment"
	"agenda/internal/ledger"
	"agenda/internal/warning"
)

// settleFundings applies the origin's funding template to instance and
// returns the anomalies found. Shortfalls are data, not errors.
func (m *Manager) settleFundings(ctx context.Context, origin, instance *appointment.Appointment) ([]warning.Entry, error) {
	template, err := m.appts.ListFundings(ctx, origin.ID)
	if err != nil {
		return nil, err
	}

	var entries []warning.Entry
	for _, f := range template {
		out := appointment.Funding{
			AppointmentID:  instance.ID,
			ParticipantID:  f.ParticipantID,
			Kind:           f.Kind,
			PackageOrderID: f.PackageOrderID,
			AmountCents:    f.AmountCents,
		}

		switch f.Kind {
		case appointment.FundingPackage:
			entry, err := m.consume(ctx, &out, instance.ID)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				entries = append(entries, *entry)
			}

		case appointment.FundingPayPerUse:
			if out.AmountCents == 0 {
				out.AmountCents = instance.PriceCents
			}
			po, _, err := m.ledger.CreatePendingOrder(ctx, ledger.PendingOrder{
				AppointmentID: instance.ID,
				ParticipantID: f.ParticipantID,
				AmountCents:   out.AmountCents,
			})
			if err != nil {
				return nil, fmt.Errorf("pending order for participant %d: %w", f.ParticipantID, err)
			}
			out.Status = appointment.FundingPendingPayment
			entries = append(entries, warning.Entry{
				ParticipantID: f.ParticipantID,
				Kind:          warning.KindNoPackage,
				Message:       fmt.Sprintf("no package, pending order %d created", po.ID),
			})

		default:
			m.log.Warn("unknown funding kind skipped", "funding_id", f.ID, "kind", f.Kind)
			continue
		}

		if err := m.appts.SaveFunding(ctx, &out); err != nil {
			return nil, fmt.Errorf("save funding for participant %d: %w", f.ParticipantID, err)
		}
	}
	return entries, nil
}

func (m *Manager) consume(ctx context.Context, out *appointment.Funding, instanceID uint64) (*warning.Entry, error) {
	shortfall := func(msg string) *warning.Entry {
		out.Status = appointment.FundingShortfall
		return &warning.Entry{ParticipantID: out.ParticipantID, Kind: warning.KindInsufficientSessions, Message: msg}
	}
	if out.PackageOrderID == nil {
		return shortfall("no package order on file"), nil
	}
	orderID := *out.PackageOrderID

	res, err := m.ledger.TryConsumeSession(ctx, orderID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("consume session of order %d: %w", orderID, err)
	}
	switch res {
	case ledger.Consumed, ledger.AlreadyConsumed:
		out.Status = appointment.FundingCovered
		return nil, nil
	case ledger.Insufficient:
		return shortfall(fmt.Sprintf("package order %d has no sessions left", orderID)), nil
	default:
		return shortfall(fmt.Sprintf("package order %d not found", orderID)), nil
	}
}
