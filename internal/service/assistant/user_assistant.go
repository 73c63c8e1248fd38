package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"ollamachat/internal/models"
	"ollamachat/internal/quota"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 72
	maxUsernameLen = 64
)

// RegisterUser creates a user with the supplied credentials. email is optional.
func (s *Service) RegisterUser(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen || strings.ContainsAny(username, " \t\n@") {
		return nil, fmt.Errorf("%w: username must be at most %d characters without spaces or @", ErrInvalidInput, maxUsernameLen)
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return nil, fmt.Errorf("%w: password must be %d to %d characters", ErrInvalidInput, minPasswordLen, maxPasswordLen)
	}
	var emailArg interface{}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
		emailArg = email
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		username, emailArg, string(hash), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, Email: email, PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login validates credentials. identifier is a username or an email address.
func (s *Service) Login(ctx context.Context, identifier, password string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, daily_message_count, daily_count_date, created_at
		 FROM users WHERE username = ? OR email = ? LIMIT 1`,
		identifier, strings.ToLower(identifier),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads a user by id. The daily counter reads 0 once the day changed.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, daily_message_count, daily_count_date, created_at
		 FROM users WHERE id = ?`, id,
	))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user  models.User
		email sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Username, &email, &user.PasswordHash,
		&user.DailyMessageCount, &user.DailyCountDate, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.Email = email.String
	if user.DailyCountDate != today() {
		user.DailyMessageCount = 0
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid user id", ErrInvalidInput)
	}
	paths, err := s.attachmentPaths(ctx, `user_id = ?`, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	removeAttachmentFiles(paths)
	return nil
}

// ConsumeDailyMessage counts one message against the user's daily budget and
// returns the count for today including it. The counter restarts at 1 when
// the UTC day changed. With limit > 0 a full budget yields
// quota.ErrLimitReached and nothing is counted.
func (s *Service) ConsumeDailyMessage(ctx context.Context, userID int64, limit int) (int, error) {
	day := today()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			daily_message_count = CASE WHEN daily_count_date = ? THEN daily_message_count + 1 ELSE 1 END,
			daily_count_date = ?
		 WHERE id = ? AND (? <= 0 OR daily_count_date <> ? OR daily_message_count < ?)`,
		day, day, userID, limit, day, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("consume daily message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return 0, err
		}
		return limit, quota.ErrLimitReached
	}
	var used int
	if err := s.db.QueryRowContext(ctx, `SELECT daily_message_count FROM users WHERE id = ?`, userID).Scan(&used); err != nil {
		return 0, fmt.Errorf("read daily count: %w", err)
	}
	return used, nil
}

// RefundDailyMessage returns one message to today's budget, used when a
// counted message could not be answered.
func (s *Service) RefundDailyMessage(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET daily_message_count = daily_message_count - 1
		 WHERE id = ? AND daily_count_date = ? AND daily_message_count > 0`,
		userID, today(),
	)
	if err != nil {
		return fmt.Errorf("refund daily message: %w", err)
	}
	return nil
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
