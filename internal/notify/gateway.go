package notify

import (
	"context"

	"agenda/internal/logger"
)

type Message struct {
	Subject string
	Body    string
}

// Gateway delivers one rendered message to one address and returns the
// provider's message id.
type Gateway interface {
	Send(ctx context.Context, address string, msg Message) (string, error)
}

// LogGateway only logs messages. It is used when no webhook is configured.
type LogGateway struct {
	log *logger.Logger
}

func NewLogGateway(baseLog *logger.Logger) *LogGateway {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &LogGateway{log: baseLog.With("component", "LogGateway")}
}

func (g *LogGateway) Send(_ context.Context, address string, msg Message) (string, error) {
	g.log.Info("notification", "address", address, "subject", msg.Subject)
	return "", nil
}
