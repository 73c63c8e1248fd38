package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ollamachat/internal/models"
)

// GetModelParameters returns the user's saved defaults, or an empty set.
func (s *Service) GetModelParameters(ctx context.Context, userID int64) (*models.ModelParameters, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT model_parameters FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.ModelParameters{}, nil
		}
		return nil, fmt.Errorf("load model parameters: %w", err)
	}
	var params models.ModelParameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("decode model parameters: %w", err)
	}
	return &params, nil
}

// SetModelParameters validates and replaces the user's saved defaults.
func (s *Service) SetModelParameters(ctx context.Context, userID int64, params *models.ModelParameters) error {
	if params == nil {
		params = &models.ModelParameters{}
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode model parameters: %w", err)
	}
	query := `INSERT INTO user_settings (user_id, model_parameters, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET model_parameters = excluded.model_parameters, updated_at = excluded.updated_at`
	if s.isMySQL() {
		query = `INSERT INTO user_settings (user_id, model_parameters, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE model_parameters = VALUES(model_parameters), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("store model parameters: %w", err)
	}
	return nil
}
