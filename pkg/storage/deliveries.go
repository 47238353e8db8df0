package storage

import (
	"context"
	"database/sql"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// InsertDelivery enqueues an outgoing envelope for one recipient.
func (s *Store) InsertDelivery(ctx context.Context, messageID, messageText, recipientDID, deliveryURL string, deliveryType DeliveryType) (int64, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (message_id, message_text, recipient_did, delivery_url,
		                        delivery_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		messageID, messageText, recipientDID, nullable(deliveryURL), string(deliveryType), now, now)
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "insert delivery")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, taperr.Wrap(taperr.KindStorage, err, "delivery row id")
	}
	return id, nil
}

// UpdateDeliveryResult records the outcome of one attempt. Retryable
// failures keep status pending; terminal outcomes set success or failed.
func (s *Store) UpdateDeliveryResult(ctx context.Context, id int64, status DeliveryStatus, httpStatus int, errMsg string) error {
	var deliveredAt any
	if status == DeliveryStatusSuccess {
		deliveredAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = ?, retry_count = retry_count + 1, last_http_status = ?,
		    error_message = ?, updated_at = ?, delivered_at = COALESCE(?, delivered_at)
		WHERE id = ?`,
		string(status), nullableInt(httpStatus), nullable(errMsg), nowUTC(), deliveredAt, id)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "update delivery result")
	}
	return nil
}

// ClaimPendingDeliveries returns up to limit pending deliveries, oldest
// first. Claiming does not change status; the single-writer pool plus the
// engine's single dispatcher keep claims exclusive.
func (s *Store) ClaimPendingDeliveries(ctx context.Context, limit int) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_text, recipient_did, delivery_url, delivery_type,
		       status, retry_count, last_http_status, error_message,
		       created_at, updated_at, delivered_at
		FROM deliveries WHERE status = 'pending'
		ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "claim pending deliveries")
	}
	defer func() { _ = rows.Close() }()
	return scanDeliveries(rows)
}

// GetDelivery fetches one delivery row.
func (s *Store) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_text, recipient_did, delivery_url, delivery_type,
		       status, retry_count, last_http_status, error_message,
		       created_at, updated_at, delivered_at
		FROM deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "get delivery")
	}
	defer func() { _ = rows.Close() }()
	out, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, taperr.New(taperr.KindNotFound, "delivery %d not found", id)
	}
	return out[0], nil
}

// ListDeliveriesForMessage returns every delivery row of a message.
func (s *Store) ListDeliveriesForMessage(ctx context.Context, messageID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_text, recipient_did, delivery_url, delivery_type,
		       status, retry_count, last_http_status, error_message,
		       created_at, updated_at, delivered_at
		FROM deliveries WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list deliveries")
	}
	defer func() { _ = rows.Close() }()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	var out []*Delivery
	for rows.Next() {
		var (
			d           Delivery
			deliveryURL sql.NullString
			dType       string
			status      string
			httpStatus  sql.NullInt64
			errMsg      sql.NullString
			createdAt   string
			updatedAt   string
			deliveredAt sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.MessageID, &d.MessageText, &d.RecipientDID,
			&deliveryURL, &dType, &status, &d.RetryCount, &httpStatus, &errMsg,
			&createdAt, &updatedAt, &deliveredAt); err != nil {
			return nil, taperr.Wrap(taperr.KindStorage, err, "scan delivery")
		}
		d.DeliveryURL = deliveryURL.String
		d.DeliveryType = DeliveryType(dType)
		d.Status = DeliveryStatus(status)
		d.LastHTTPStatus = int(httpStatus.Int64)
		d.ErrorMessage = errMsg.String
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		if deliveredAt.Valid {
			t := parseTime(deliveredAt.String)
			d.DeliveredAt = &t
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "delivery rows")
	}
	return out, nil
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
