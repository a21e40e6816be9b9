package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hapihub/hapi/internal/hub/id"
	"github.com/hapihub/hapi/internal/hub/msgcodec"
	"github.com/hapihub/hapi/internal/hub/validate"
)

// AddMessageResult reports an appended (or deduplicated) message along
// with the session seq after the append.
type AddMessageResult struct {
	Message    *Message
	Duplicate  bool
	SessionSeq int64
}

// AddMessage appends one message to a session transcript. When localID
// is set and a message with that localID already exists on the session,
// the stored message is returned unchanged and nothing is written.
// Content is compressed at rest.
func (s *Store) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID, namespace string) (*AddMessageResult, error) {
	var result *AddMessageResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ns         string
			sessionSeq int64
		)
		row := tx.QueryRowContext(ctx, "SELECT namespace, seq FROM sessions WHERE id = ?", sessionID)
		if err := row.Scan(&ns, &sessionSeq); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}

		if localID != "" {
			existing, err := getMessageByLocalIDTx(ctx, tx, sessionID, localID)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("lookup local id: %w", err)
			}
			if err == nil {
				result = &AddMessageResult{Message: existing, Duplicate: true, SessionSeq: sessionSeq}
				return nil
			}
		}

		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?", sessionID).
			Scan(&maxSeq); err != nil {
			return fmt.Errorf("max message seq: %w", err)
		}

		blob, compression := msgcodec.Compress(content)
		now := s.nowMillis()
		msg := &Message{
			ID:        id.Generate(),
			SessionID: sessionID,
			Seq:       maxSeq + 1,
			Content:   content,
			LocalID:   localID,
			CreatedAt: now,
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO messages
			(id, session_id, seq, content, content_compression, local_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, msg.Seq, blob, int(compression), nullable(localID), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?", now, sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		result = &AddMessageResult{Message: msg, SessionSeq: sessionSeq + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getMessageByLocalIDTx(ctx context.Context, tx *sql.Tx, sessionID, localID string) (*Message, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, session_id, seq, content, content_compression, local_id, created_at
		FROM messages WHERE session_id = ? AND local_id = ?`, sessionID, localID)
	return scanMessage(row)
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m           Message
		blob        []byte
		compression int
		localID     sql.NullString
	)
	if err := r.Scan(&m.ID, &m.SessionID, &m.Seq, &blob, &compression, &localID, &m.CreatedAt); err != nil {
		return nil, err
	}
	content, err := msgcodec.Decompress(blob, msgcodec.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("decompress message %s: %w", m.ID, err)
	}
	m.Content = json.RawMessage(content)
	m.LocalID = localID.String
	return &m, nil
}

// GetMessages returns up to limit messages of a session ordered by seq,
// starting strictly after afterSeq. The limit is clamped to the allowed
// range.
func (s *Store) GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int, namespace string) ([]*Message, error) {
	access, err := s.ResolveSessionAccess(ctx, sessionID, namespace)
	if err != nil {
		return nil, err
	}
	switch access {
	case AccessNotFound:
		return nil, ErrNotFound
	case AccessDenied:
		return nil, ErrAccessDenied
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, seq, content, content_compression, local_id, created_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, afterSeq, validate.ClampMessageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
