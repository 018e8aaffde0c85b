package gateway

import (
	"context"
	"errors"
	"log/slog"
)

// HandlerFunc handles one decoded frame. It runs on the session's read
// goroutine, so calls for one session never overlap.
type HandlerFunc func(ctx context.Context, s *Session, frame Inbound) error

// Dispatcher is the opcode indexed handler table
type Dispatcher struct {
	handlers map[Opcode]HandlerFunc
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Opcode]HandlerFunc),
		log:      log,
	}
}

// Handle registers h for op, replacing any previous handler
func (d *Dispatcher) Handle(op Opcode, h HandlerFunc) {
	d.handlers[op] = h
}

// Dispatch routes the frame. Violations and handler failures are logged here
// and never close the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, frame Inbound) {
	log := s.Logger()

	if v, ok := frame.(*ProtocolViolation); ok {
		log.Warn("Dropped invalid frame", "op", int(v.Op), "reason", v.Reason, "error", v.Err)
		return
	}

	op := frame.Opcode()
	handler, ok := d.handlers[op]
	if !ok {
		log.Warn("No handler for opcode", "op", op.String())
		return
	}

	log.Debug("Handling frame", "op", op.String())
	if err := handler(ctx, s, frame); err != nil {
		var violation *ProtocolViolation
		if errors.As(err, &violation) {
			log.Warn("Dropped frame", "op", op.String(), "reason", violation.Reason)
			return
		}
		log.Error("Handler failed", "op", op.String(), "error", err)
	}
}
