package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// InsertDecision records an externalized FSM choice.
func (s *Store) InsertDecision(ctx context.Context, transactionID, agentDID string, decisionType DecisionType, decisionContext json.RawMessage) (int64, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (transaction_id, agent_did, decision_type, context,
		                       status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		transactionID, agentDID, string(decisionType), string(decisionContext), now, now)
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "insert decision")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "decision row id")
	}
	return id, nil
}

// UpdateDecisionStatus advances a decision. A non-empty resolution or detail
// is written whatever the new status; empty ones keep the stored values.
func (s *Store) UpdateDecisionStatus(ctx context.Context, id int64, status DecisionStatus, resolution string, detail json.RawMessage) error {
	var detailStr any
	if len(detail) > 0 {
		detailStr = string(detail)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = ?, resolution = COALESCE(?, resolution),
		       detail = COALESCE(?, detail), updated_at = ?
		WHERE id = ?`,
		string(status), nullable(resolution), detailStr, nowUTC(), id)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "update decision status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "decision rows affected")
	}
	if n == 0 {
		return taperr.New(taperr.KindNotFound, "decision %d not found", id)
	}
	return nil
}

// GetDecision fetches one decision.
func (s *Store) GetDecision(ctx context.Context, id int64) (*Decision, error) {
	rows, err := s.db.QueryContext(ctx, decisionSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "get decision")
	}
	defer func() { _ = rows.Close() }()
	out, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, taperr.New(taperr.KindNotFound, "decision %d not found", id)
	}
	return out[0], nil
}

// DecisionFilters narrow ListDecisions. Zero values match everything.
type DecisionFilters struct {
	AgentDID      string
	Status        DecisionStatus
	TransactionID string
	Limit         int
}

const decisionSelect = `
	SELECT id, transaction_id, agent_did, decision_type, context, status,
	       resolution, detail, created_at, updated_at
	FROM decisions`

// ListDecisions returns decisions matching the filters, oldest first.
func (s *Store) ListDecisions(ctx context.Context, f DecisionFilters) ([]*Decision, error) {
	query := decisionSelect + ` WHERE 1=1`
	var args []any
	if f.AgentDID != "" {
		query += ` AND agent_did = ?`
		args = append(args, f.AgentDID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TransactionID != "" {
		query += ` AND transaction_id = ?`
		args = append(args, f.TransactionID)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list decisions")
	}
	defer func() { _ = rows.Close() }()
	return scanDecisions(rows)
}

// ExpireDecisionsForTransaction expires every open decision of a
// transaction. Called when the transaction reaches a terminal state.
func (s *Store) ExpireDecisionsForTransaction(ctx context.Context, transactionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = 'expired', updated_at = ?
		WHERE transaction_id = ? AND status IN ('pending', 'delivered')`,
		nowUTC(), transactionID)
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "expire decisions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "expired rows affected")
	}
	return n, nil
}

func scanDecisions(rows *sql.Rows) ([]*Decision, error) {
	var out []*Decision
	for rows.Next() {
		var (
			d          Decision
			dType      string
			contextStr sql.NullString
			status     string
			resolution sql.NullString
			detail     sql.NullString
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.AgentDID, &dType, &contextStr,
			&status, &resolution, &detail, &createdAt, &updatedAt); err != nil {
			return nil, taperr.Wrap(taperr.KindStorage, err, "scan decision")
		}
		d.DecisionType = DecisionType(dType)
		if contextStr.Valid {
			d.Context = json.RawMessage(contextStr.String)
		}
		d.Status = DecisionStatus(status)
		d.Resolution = resolution.String
		if detail.Valid {
			d.Detail = json.RawMessage(detail.String)
		}
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "decision rows")
	}
	return out, nil
}
