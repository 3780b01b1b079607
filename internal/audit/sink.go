// Package audit implements the Audit Sink (C9): an append-only record of
// token, delegation, policy, and resource events. Per spec §4.9/§5, writes
// must never block or fail the outer operation — a failed write is logged
// and swallowed, and the sink is driven from a bounded background queue so
// a slow Postgres write never stalls the request goroutine that minted a
// token.
package audit

import (
	"context"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// queueDepth bounds the background buffer; once full, Append drops the
// new record rather than block the caller, logging the drop.
const queueDepth = 1024

// Sink is the append-only audit stream (C9).
type Sink struct {
	repo  repository.AuditRepository
	queue chan models.AuditRecord
	done  chan struct{}
}

// NewSink starts the background writer goroutine. Callers should call
// Close during graceful shutdown to drain the queue.
func NewSink(repo repository.AuditRepository) *Sink {
	s := &Sink{
		repo:  repo,
		queue: make(chan models.AuditRecord, queueDepth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Append(ctx, &rec); err != nil {
			log.Warn().Err(err).Str("event_type", rec.EventType).Str("kind", string(rec.Kind)).
				Msg("audit write failed, dropping record")
		}
		cancel()
	}
	close(s.done)
}

// Append enqueues rec for background persistence. Timestamp and ID are
// filled in if unset. A failure to enqueue (full queue) is logged and
// dropped — audit writes must never block or fail the outer operation.
func (s *Sink) Append(ctx context.Context, rec models.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	select {
	case s.queue <- rec:
	default:
		log.Warn().Str("event_type", rec.EventType).Msg("audit queue full, dropping record")
	}
}

// ErrorTokenID synthesizes the "error-<uuid>" sentinel token-id spec §4.9
// requires for failures occurring before a token record exists, preserving
// the not-null relational constraint on audit rows.
func ErrorTokenID() string {
	return "error-" + uuid.New().String()
}

// Close stops accepting new records and waits for the queue to drain, for
// use during graceful shutdown.
func (s *Sink) Close(ctx context.Context) {
	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
