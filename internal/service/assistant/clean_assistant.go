package assistant

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAttachmentTTL          = 24 * time.Hour
	DefaultAttachmentCleanupEvery = time.Hour
)

// StartAttachmentCleaner removes expired attachment files and rows every
// interval until ctx is done. onRemoved, when set, is told which sessions
// lost attachments.
func (s *Service) StartAttachmentCleaner(ctx context.Context, interval time.Duration, onRemoved func(userID, sessionID int64)) {
	if interval <= 0 {
		interval = DefaultAttachmentCleanupEvery
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupExpiredAttachments(ctx, onRemoved); err != nil {
					log.Printf("[assistant] cleanup attachments: %v", err)
				}
			}
		}
	}()
}

// CleanupExpiredAttachments deletes expired attachments and returns how many
// were removed.
func (s *Service) CleanupExpiredAttachments(ctx context.Context, onRemoved func(userID, sessionID int64)) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, stored_path FROM attachments WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	type expired struct {
		id, userID, sessionID int64
		path                  string
	}
	var files []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.userID, &e.sessionID, &e.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("[assistant] remove attachment %s: %v", f.path, err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, f.id); err != nil {
			log.Printf("[assistant] delete attachment record %d: %v", f.id, err)
			continue
		}
		// the per-session directory goes once empty
		_ = os.Remove(filepath.Dir(f.path))
		removed++
		if onRemoved != nil {
			onRemoved(f.userID, f.sessionID)
		}
	}
	return removed, nil
}

// attachmentPaths lists stored_path values matched by where.
func (s *Service) attachmentPaths(ctx context.Context, where string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stored_path FROM attachments WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("attachment paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// removeAttachmentFiles deletes files whose rows are already gone, then the
// session and user directories once they are empty.
func removeAttachmentFiles(paths []string) {
	dirs := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("[assistant] remove attachment %s: %v", p, err)
		}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if os.Remove(dir) == nil {
			_ = os.Remove(filepath.Dir(dir))
		}
	}
}
