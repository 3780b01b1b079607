package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/google/uuid"
)

// AuditRepository implements repository.AuditRepository for PostgreSQL
// (C9). Records are routed to one of four per-kind tables, mirroring the
// "per-kind audit tables" layout of spec §6; all four share the same
// append-only discipline (no UPDATE/DELETE statement exists against them).
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshaling audit details: %w", err)
	}
	table := auditTable(rec.Kind)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, timestamp, client_id, token_id, task_id, subject_id, event_type, status, details, source_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, table)
	_, err = r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.ClientID, rec.TokenID, rec.TaskID, rec.SubjectID,
		rec.EventType, rec.Status, details, rec.SourceIP,
	)
	if err != nil {
		return fmt.Errorf("appending %s audit record: %w", table, err)
	}
	return nil
}

func auditTable(kind models.AuditKind) string {
	switch kind {
	case models.AuditKindDelegation:
		return "audit_delegation_events"
	case models.AuditKindPolicy:
		return "audit_policy_events"
	case models.AuditKindResource:
		return "audit_resource_events"
	default:
		return "audit_token_events"
	}
}
