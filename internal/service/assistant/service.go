// Package assistant is the persistence layer for users, sessions, messages,
// provider keys, settings and attachments.
package assistant

import (
	"database/sql"
	"errors"
	"log"

	"ollamachat/internal/storage"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username or email already taken")
)

// Service handles user lifecycle and chat persistence.
type Service struct {
	db     *sql.DB
	driver string
	cipher *tokenCipher
}

// NewService builds the service over an opened and migrated database.
// Provider keys are encrypted when OLLAMACHAT_APIKEY_KEY is set.
func NewService(db *sql.DB, driver string) (*Service, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if driver == "" {
		driver = "sqlite3"
	}
	cipher, err := newTokenCipherFromEnv()
	if err != nil {
		if !errors.Is(err, errCipherKeyMissing) {
			return nil, err
		}
		log.Printf("[assistant] %v, provider keys will be stored unencrypted", err)
	}
	return &Service{db: db, driver: driver, cipher: cipher}, nil
}

func (s *Service) isMySQL() bool {
	return storage.IsMySQL(s.driver)
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
