package session

import (
	"context"
)

// runWriter is the Outbound Writer (§4.7): the only goroutine that calls
// conn.Write. It drains s.out until the channel is closed (by Close) or a
// write fails, at which point it closes the socket itself so the reader
// goroutine unblocks with an error and the Session Loop notices on its
// next inbound-frame select case. done is closed when the writer exits,
// letting Run wait for it before returning.
func (s *Session) runWriter(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for msg := range s.out {
		if err := s.write(ctx, msg); err != nil {
			s.deps.Logger.Warn("session: outbound write failed, closing connection", "error", err)
			s.conn.Close(1011, "write failed")
			return
		}
	}
}

// write performs one enqueued send, applying the kindAwait deadline (if
// any) as a per-call context deadline so it never outlives this one write.
func (s *Session) write(ctx context.Context, msg outboundMsg) error {
	writeCtx := ctx
	if msg.kind == kindAwait && !msg.deadline.IsZero() {
		deadlined, cancel := context.WithDeadline(ctx, msg.deadline)
		defer cancel()
		writeCtx = deadlined
	}

	mt := messageText
	if msg.binary {
		mt = messageBinary
	}
	return s.conn.Write(writeCtx, mt, msg.data)
}
