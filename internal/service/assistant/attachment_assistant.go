package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ollamachat/internal/models"
)

const AttachmentStatusActive = "active"

// RecordAttachment stores metadata for an uploaded file bound to a session.
func (s *Service) RecordAttachment(ctx context.Context, userID, sessionID int64, fileName, storedPath, mimeType string, size int64, ttl time.Duration) (*models.Attachment, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultAttachmentTTL
	}
	now := time.Now().UTC()
	att := &models.Attachment{
		UserID:     userID,
		SessionID:  sessionID,
		FileName:   fileName,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       size,
		Status:     AttachmentStatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.UserID, att.SessionID, att.FileName, att.StoredPath, att.MimeType, att.Size, att.Status, att.CreatedAt, att.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	if att.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}
	return att, nil
}

// GetAttachmentsByIDs returns the active attachments among ids that belong
// to the user's session. Unknown ids are ignored.
func (s *Service) GetAttachmentsByIDs(ctx context.Context, userID, sessionID int64, ids []int64) ([]*models.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{userID, sessionID, AttachmentStatusActive, time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryAttachments(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM attachments WHERE user_id = ? AND session_id = ? AND status = ? AND expires_at > ? AND id IN (`+placeholders+`)
		 ORDER BY id`, args...)
}

// ListSessionAttachments returns the session's active attachments.
func (s *Service) ListSessionAttachments(ctx context.Context, userID, sessionID int64) ([]*models.Attachment, error) {
	return s.queryAttachments(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM attachments WHERE user_id = ? AND session_id = ? AND status = ? AND expires_at > ? ORDER BY id`,
		userID, sessionID, AttachmentStatusActive, time.Now().UTC())
}

// AttachmentStorageUsage sums the size of the user's active attachments.
func (s *Service) AttachmentStorageUsage(ctx context.Context, userID int64) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM attachments WHERE user_id = ? AND status = ?`,
		userID, AttachmentStatusActive,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("attachment usage: %w", err)
	}
	return total, nil
}

func (s *Service) queryAttachments(ctx context.Context, query string, args ...interface{}) ([]*models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []*models.Attachment
	for rows.Next() {
		att := new(models.Attachment)
		if err := rows.Scan(&att.ID, &att.UserID, &att.SessionID, &att.FileName, &att.StoredPath,
			&att.MimeType, &att.Size, &att.Status, &att.CreatedAt, &att.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}
