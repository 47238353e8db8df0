package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// LogMessage records a plain message. Idempotent on (message_id, direction):
// logging the same message twice reports DuplicateMessage, which callers
// swallow.
func (s *Store) LogMessage(ctx context.Context, plain *didcomm.PlainMessage, direction MessageDirection) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return logMessageTx(ctx, tx, plain, direction)
	})
}

func logMessageTx(ctx context.Context, tx *sql.Tx, plain *didcomm.PlainMessage, direction MessageDirection) error {
	raw, err := json.Marshal(plain)
	if err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "marshal plain message")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, message_type, from_did, to_did, thread_id,
		                      parent_thread_id, direction, message_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, direction) DO NOTHING`,
		plain.ID, plain.Type, nullable(plain.From), nullable(strings.Join(plain.To, ",")),
		nullable(plain.Thid), nullable(plain.Pthid), string(direction), string(raw), nowUTC())
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "message rows affected")
	}
	if n == 0 {
		return taperr.New(taperr.KindDuplicateMessage, "message %s (%s) already logged", plain.ID, direction)
	}
	return nil
}

// HasMessage reports whether a message id was already logged in the given
// direction.
func (s *Store) HasMessage(ctx context.Context, messageID string, direction MessageDirection) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE message_id = ? AND direction = ?`,
		messageID, string(direction)).Scan(&n)
	if err != nil {
		return false, taperr.Wrap(taperr.KindStorage, err, "check message")
	}
	return n > 0, nil
}

// GetMessage fetches one logged message by id and direction.
func (s *Store) GetMessage(ctx context.Context, messageID string, direction MessageDirection) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, message_type, from_did, to_did, thread_id,
		       parent_thread_id, direction, message_json, created_at
		FROM messages WHERE message_id = ? AND direction = ?`,
		messageID, string(direction))

	var (
		m         Message
		fromDID   sql.NullString
		toDID     sql.NullString
		threadID  sql.NullString
		parentTID sql.NullString
		dir       string
		rawJSON   string
		createdAt string
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.MessageType, &fromDID, &toDID,
		&threadID, &parentTID, &dir, &rawJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, taperr.New(taperr.KindNotFound, "message %s not found", messageID)
	}
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "scan message")
	}
	m.FromDID = fromDID.String
	m.ToDID = toDID.String
	m.ThreadID = threadID.String
	m.ParentThreadID = parentTID.String
	m.Direction = MessageDirection(dir)
	m.MessageJSON = json.RawMessage(rawJSON)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// ListMessagesByThread returns every logged message in a thread, oldest
// first.
func (s *Store) ListMessagesByThread(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_type, direction, message_json, created_at
		FROM messages WHERE thread_id = ? OR message_id = ?
		ORDER BY id ASC`, threadID, threadID)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list thread messages")
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		var (
			m         Message
			dir       string
			rawJSON   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.MessageID, &m.MessageType, &dir, &rawJSON, &createdAt); err != nil {
			return nil, taperr.Wrap(taperr.KindStorage, err, "scan thread message")
		}
		m.Direction = MessageDirection(dir)
		m.MessageJSON = json.RawMessage(rawJSON)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "thread message rows")
	}
	return out, nil
}

// InsertTransaction creates the durable transaction row for a Transfer or
// Payment initiator message, along with its message log entry, in one write
// transaction. The reference id is the message's thread; direction records
// whether the initiator was received or sent by this agent.
func (s *Store) InsertTransaction(ctx context.Context, plain *didcomm.PlainMessage, direction MessageDirection) error {
	var txType TransactionType
	switch plain.Type {
	case message.TypeTransfer:
		txType = TransactionTypeTransfer
	case message.TypePayment:
		txType = TransactionTypePayment
	default:
		return taperr.New(taperr.KindValidation, "%q does not initiate a transaction", plain.Type)
	}

	raw, err := json.Marshal(plain)
	if err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "marshal transaction message")
	}
	toDID := ""
	if len(plain.To) > 0 {
		toDID = plain.To[0]
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		// The message is logged before the derived transaction row.
		if err := logMessageTx(ctx, tx, plain, direction); err != nil &&
			!taperr.Is(err, taperr.KindDuplicateMessage) {
			return err
		}
		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (transaction_type, reference_id, from_did, to_did,
			                          thread_id, message_type, status, message_json,
			                          created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
			ON CONFLICT (reference_id) DO NOTHING`,
			string(txType), plain.ThreadID(), nullable(plain.From), nullable(toDID),
			nullable(plain.Thid), plain.Type, string(raw), now, now)
		if err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "insert transaction")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "transaction rows affected")
		}
		if n == 0 {
			return taperr.New(taperr.KindDuplicateTransaction, "transaction %s already exists", plain.ThreadID())
		}
		return nil
	})
}

// GetTransaction fetches a transaction by reference id.
func (s *Store) GetTransaction(ctx context.Context, referenceID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_type, reference_id, from_did, to_did, thread_id,
		       message_type, status, message_json, created_at, updated_at
		FROM transactions WHERE reference_id = ?`, referenceID)

	var (
		t         Transaction
		txType    string
		fromDID   sql.NullString
		toDID     sql.NullString
		threadID  sql.NullString
		status    string
		rawJSON   string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&t.ID, &txType, &t.ReferenceID, &fromDID, &toDID, &threadID,
		&t.MessageType, &status, &rawJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, taperr.New(taperr.KindNotFound, "transaction %s not found", referenceID)
	}
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "scan transaction")
	}
	t.Type = TransactionType(txType)
	t.FromDID = fromDID.String
	t.ToDID = toDID.String
	t.ThreadID = threadID.String
	t.Status = TransactionStatus(status)
	t.MessageJSON = json.RawMessage(rawJSON)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// allowedStatusTransitions: pending may move to any outcome, confirmed only
// to reverted, everything else is final.
var allowedStatusTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {
		TransactionStatusConfirmed, TransactionStatusFailed, TransactionStatusCancelled,
	},
	TransactionStatusConfirmed: {TransactionStatusReverted},
}

// UpdateTransactionStatus applies a permitted status transition. A
// disallowed transition fails with Validation; setting the current status
// again is a no-op.
func (s *Store) UpdateTransactionStatus(ctx context.Context, referenceID string, status TransactionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM transactions WHERE reference_id = ?`, referenceID).Scan(&current)
		if err == sql.ErrNoRows {
			return taperr.New(taperr.KindNotFound, "transaction %s not found", referenceID)
		}
		if err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "read transaction status")
		}
		if TransactionStatus(current) == status {
			return nil
		}
		if !transitionAllowed(TransactionStatus(current), status) {
			return taperr.New(taperr.KindValidation,
				"transaction %s cannot move from %s to %s", referenceID, current, status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET status = ?, updated_at = ? WHERE reference_id = ?`,
			string(status), nowUTC(), referenceID)
		if err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "update transaction status")
		}
		return nil
	})
}

func transitionAllowed(from, to TransactionStatus) bool {
	for _, t := range allowedStatusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpsertTransactionAgent names an agent in a transaction. Existing rows keep
// their status.
func (s *Store) UpsertTransactionAgent(ctx context.Context, referenceID, agentDID, role string) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_agents (transaction_id, agent_did, role, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (transaction_id, agent_did) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		referenceID, agentDID, nullable(role), now, now)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "upsert transaction agent")
	}
	return nil
}

// RemoveTransactionAgent deletes an agent row from a transaction.
func (s *Store) RemoveTransactionAgent(ctx context.Context, referenceID, agentDID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM transaction_agents WHERE transaction_id = ? AND agent_did = ?`,
		referenceID, agentDID)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "remove transaction agent")
	}
	return nil
}

// ReplaceTransactionAgent re-keys an agent row. The replacement starts over
// as pending regardless of the original's status.
func (s *Store) ReplaceTransactionAgent(ctx context.Context, referenceID, originalDID, replacementDID, role string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transaction_agents WHERE transaction_id = ? AND agent_did = ?`,
			referenceID, originalDID); err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "remove original agent")
		}
		now := nowUTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_agents (transaction_id, agent_did, role, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (transaction_id, agent_did) DO UPDATE SET role = excluded.role,
				status = 'pending', updated_at = excluded.updated_at`,
			referenceID, replacementDID, nullable(role), now, now); err != nil {
			return taperr.Wrap(taperr.KindStorage, err, "insert replacement agent")
		}
		return nil
	})
}

// UpdateTransactionAgentStatus sets an agent's standing. Unknown agents fail
// with NotFound.
func (s *Store) UpdateTransactionAgentStatus(ctx context.Context, referenceID, agentDID string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_agents SET status = ?, updated_at = ?
		WHERE transaction_id = ? AND agent_did = ?`,
		string(status), nowUTC(), referenceID, agentDID)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "update transaction agent status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "agent rows affected")
	}
	if n == 0 {
		return taperr.New(taperr.KindNotFound, "agent %s not part of transaction %s", agentDID, referenceID)
	}
	return nil
}

// ListTransactionAgents returns every agent row of a transaction.
func (s *Store) ListTransactionAgents(ctx context.Context, referenceID string) ([]*TransactionAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, agent_did, role, status, created_at, updated_at
		FROM transaction_agents WHERE transaction_id = ? ORDER BY created_at ASC`, referenceID)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list transaction agents")
	}
	defer func() { _ = rows.Close() }()

	var out []*TransactionAgent
	for rows.Next() {
		var (
			a         TransactionAgent
			role      sql.NullString
			status    string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&a.TransactionID, &a.AgentDID, &role, &status, &createdAt, &updatedAt); err != nil {
			return nil, taperr.Wrap(taperr.KindStorage, err, "scan transaction agent")
		}
		a.Role = role.String
		a.Status = AgentStatus(status)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "transaction agent rows")
	}
	return out, nil
}

// AllAgentsAuthorized reports whether every agent row of the transaction is
// authorized. A transaction with no agent rows is not considered authorized.
func (s *Store) AllAgentsAuthorized(ctx context.Context, referenceID string) (bool, error) {
	var total, authorized int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(status = 'authorized'), 0)
		FROM transaction_agents WHERE transaction_id = ?`, referenceID).Scan(&total, &authorized)
	if err != nil {
		return false, taperr.Wrap(taperr.KindStorage, err, "count agent authorizations")
	}
	return total > 0 && total == authorized, nil
}
