package storage

import (
	"context"
	"database/sql"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// InsertReceived records a raw inbound envelope. Every arrival gets its own
// row: re-delivered bytes are visible in the audit trail, and deduplication
// happens downstream on the logged message id.
func (s *Store) InsertReceived(ctx context.Context, raw []byte, source SourceType, sourceIdentifier string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO received (raw_message, raw_hash, source_type, source_identifier, status, received_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		string(raw), hashRaw(raw), string(source), nullable(sourceIdentifier), nowUTC())
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "insert received")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "received row id")
	}
	return id, nil
}

// MarkReceivedProcessed finalizes a received row with the resulting message
// id.
func (s *Store) MarkReceivedProcessed(ctx context.Context, id int64, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE received SET status = 'processed', processed_at = ?, processed_message_id = ?
		WHERE id = ?`, nowUTC(), nullable(messageID), id)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "mark received processed")
	}
	return nil
}

// MarkReceivedFailed finalizes a received row with the failure reason.
func (s *Store) MarkReceivedFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE received SET status = 'failed', processed_at = ?, error_message = ?
		WHERE id = ?`, nowUTC(), reason, id)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "mark received failed")
	}
	return nil
}

// GetReceived fetches one received row.
func (s *Store) GetReceived(ctx context.Context, id int64) (*Received, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, raw_message, source_type, source_identifier, status,
		       error_message, received_at, processed_at, processed_message_id
		FROM received WHERE id = ?`, id)
	return scanReceived(row)
}

// ListReceived returns received rows, newest first, optionally filtered by
// status.
func (s *Store) ListReceived(ctx context.Context, status ReceivedStatus, limit int) ([]*Received, error) {
	query := `
		SELECT id, raw_message, source_type, source_identifier, status,
		       error_message, received_at, processed_at, processed_message_id
		FROM received`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list received")
	}
	defer func() { _ = rows.Close() }()

	var out []*Received
	for rows.Next() {
		r, err := scanReceived(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list received rows")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceived(row rowScanner) (*Received, error) {
	var (
		r           Received
		sourceType  string
		status      string
		sourceIdent sql.NullString
		errMsg      sql.NullString
		receivedAt  string
		processedAt sql.NullString
		processedID sql.NullString
	)
	err := row.Scan(&r.ID, &r.RawMessage, &sourceType, &sourceIdent, &status,
		&errMsg, &receivedAt, &processedAt, &processedID)
	if err == sql.ErrNoRows {
		return nil, taperr.New(taperr.KindNotFound, "received row not found")
	}
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "scan received")
	}
	r.SourceType = SourceType(sourceType)
	r.Status = ReceivedStatus(status)
	r.SourceIdentifier = sourceIdent.String
	r.ErrorMessage = errMsg.String
	r.ReceivedAt = parseTime(receivedAt)
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		r.ProcessedAt = &t
	}
	r.ProcessedMessageID = processedID.String
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
