package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ollamachat/internal/models"
	"ollamachat/internal/service/llm"
)

// EnsureAIReady returns the key the user stored for provider. Ollama needs
// none and yields "".
func (s *Service) EnsureAIReady(ctx context.Context, userID int64, provider string) (string, error) {
	if !llm.RequiresAPIKey(provider) {
		return "", nil
	}
	token, err := s.HasUserToken(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s", llm.ErrMissingAPIKey, llm.NormalizeProvider(provider))
	}
	return token, nil
}

// HasUserToken returns the decrypted key for the user/provider pair, or "".
func (s *Service) HasUserToken(ctx context.Context, userID int64, provider string) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("%w: invalid user id", ErrInvalidInput)
	}
	provider = llm.NormalizeProvider(provider)
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM apiKeys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID, provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api token: %w", err)
	}
	return s.openToken(stored)
}

// SetUserToken stores or replaces the key for a user/provider pair.
func (s *Service) SetUserToken(ctx context.Context, userID int64, provider, token string) error {
	if userID <= 0 {
		return fmt.Errorf("%w: invalid user id", ErrInvalidInput)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	token = strings.TrimSpace(token)
	if provider == "" || token == "" {
		return fmt.Errorf("%w: provider and key are required", ErrInvalidInput)
	}
	if !llm.RequiresAPIKey(provider) {
		return fmt.Errorf("%w: %s does not use an api key", ErrInvalidInput, provider)
	}
	sealed, err := s.sealToken(token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	query := `INSERT INTO apiKeys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET api_key = excluded.api_key, created_at = excluded.created_at`
	if s.isMySQL() {
		query = `INSERT INTO apiKeys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE api_key = VALUES(api_key), created_at = VALUES(created_at)`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, provider, sealed, time.Now().UTC()); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// ListUserTokens returns the user's providers with masked keys.
func (s *Service) ListUserTokens(ctx context.Context, userID int64) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, api_key, created_at FROM apiKeys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	keys := make([]models.APIKey, 0)
	for rows.Next() {
		var (
			key    models.APIKey
			stored string
		)
		if err := rows.Scan(&key.Provider, &stored, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		plain, err := s.openToken(stored)
		if err != nil {
			plain = ""
		}
		key.Key = maskKey(plain)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteUserToken removes the key for a user/provider pair.
func (s *Service) DeleteUserToken(ctx context.Context, userID int64, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if userID <= 0 || provider == "" {
		return fmt.Errorf("%w: user and provider are required", ErrInvalidInput)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM apiKeys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
