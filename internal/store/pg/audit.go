package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"parley.chat/internal/audit"
)

// AppendAudit inserts e. A repeated id is ignored.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	var errMsg any
	if !e.Success {
		errMsg = e.ErrorMessage
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (
			id, request_id, actor_id, actor_role, action_type, action_category,
			target_type, target_id, details, source_address, user_agent,
			success, error_message, execution_ms, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (id) do nothing
	`,
		e.ID, nullIfEmpty(e.RequestID), e.ActorID, e.ActorRole, string(e.Action), string(e.Category),
		e.TargetType, nullIfEmpty(e.TargetID), details, e.SourceAddress, nullIfEmpty(e.UserAgent),
		e.Success, errMsg, e.ExecutionTime.Milliseconds(), e.CreatedAt,
	)
	return err
}
