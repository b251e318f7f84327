package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/escrowlink/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultAuditPage = 50
	maxAuditPage     = 200
)

var errAuditAction = errors.New("audit entry has no action")

// AuditRepo appends to audit_log. Entries are never updated or deleted.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Log(ctx context.Context, entry models.AuditLog) error {
	if entry.Action == "" {
		return errAuditAction
	}
	meta, err := encodeMeta(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit %s: %w", entry.Action, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_user_id, actor_type, action, entity_type, entity_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorUserID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, meta)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", entry.Action, err)
	}
	return nil
}

// GetByEntity returns the entity's history oldest first.
func (r *AuditRepo) GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	limit, offset = auditPage(limit, offset)
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_user_id, actor_type, action, entity_type, entity_id, meta, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC LIMIT $3 OFFSET $4
	`, entityType, entityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	logs := make([]models.AuditLog, 0, limit)
	for rows.Next() {
		var (
			l    models.AuditLog
			meta []byte
		)
		if err := rows.Scan(&l.ID, &l.ActorUserID, &l.ActorType, &l.Action, &l.EntityType, &l.EntityID, &meta, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		m, err := decodeMeta(meta)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s meta: %w", l.ID, err)
		}
		if m != nil {
			l.Meta = m
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func auditPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > maxAuditPage {
		limit = defaultAuditPage
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// encodeMeta stores nil as SQL NULL rather than the JSON literal null.
func encodeMeta(meta any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func decodeMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
