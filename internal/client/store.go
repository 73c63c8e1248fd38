package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ollamachat/internal/models"
)

// GuestMessageLimit is how many messages a guest may send before sending is
// disabled client-side.
const GuestMessageLimit = 10

// GuestSessionID keys the locally cached guest conversation.
const GuestSessionID int64 = 0

// LocalSession is a conversation cached on the client.
type LocalSession struct {
	ID        int64             `json:"id"`
	Title     string            `json:"title"`
	Messages  []*models.Message `json:"messages"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// State is everything the client persists between runs.
type State struct {
	User            *models.User            `json:"user,omitempty"`
	AuthToken       string                  `json:"authToken,omitempty"`
	GuestToken      string                  `json:"guestToken,omitempty"`
	GuestMessages   int                     `json:"guestMessages"`
	ChatSessions    []LocalSession          `json:"chatSessions,omitempty"`
	ModelParameters *models.ModelParameters `json:"modelParameters,omitempty"`
	CurrentSession  int64                   `json:"currentSession,omitempty"`
}

// Store is the typed client state, saved as a JSON file after every change.
// The last write wins.
type Store struct {
	mu    sync.Mutex
	path  string
	state State
}

// OpenStore loads path if it exists. An empty path keeps the state in memory.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.ChatSessions = append([]LocalSession(nil), s.state.ChatSessions...)
	return out
}

// Update applies fn and persists the result.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	return s.saveLocked()
}

func (s *Store) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AuthToken
}

func (s *Store) GuestToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GuestToken
}

func (s *Store) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.User == nil {
		return nil
	}
	u := *s.state.User
	return &u
}

// SetLogin records a successful login and leaves guest mode.
func (s *Store) SetLogin(user *models.User, token string) error {
	return s.Update(func(st *State) {
		if st.User == nil || user == nil || st.User.ID != user.ID {
			dropUserSessions(st)
		}
		st.User = user
		st.AuthToken = token
		st.GuestToken = ""
		st.CurrentSession = 0
	})
}

// ClearAuth forgets the logged-in user and the conversations cached for them.
// Guest state is kept.
func (s *Store) ClearAuth() error {
	return s.Update(func(st *State) {
		st.User = nil
		st.AuthToken = ""
		st.CurrentSession = 0
		dropUserSessions(st)
	})
}

// dropUserSessions keeps only the cached guest conversation.
func dropUserSessions(st *State) {
	kept := st.ChatSessions[:0]
	for _, ls := range st.ChatSessions {
		if ls.ID == GuestSessionID {
			kept = append(kept, ls)
		}
	}
	st.ChatSessions = kept
}

// GuestRemaining reports how many guest messages may still be sent.
func (s *Store) GuestRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := GuestMessageLimit - s.state.GuestMessages
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LocalSession returns the cached conversation with id.
func (s *Store) LocalSession(id int64) (LocalSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ls := range s.state.ChatSessions {
		if ls.ID == id {
			ls.Messages = append([]*models.Message(nil), ls.Messages...)
			return ls, true
		}
	}
	return LocalSession{}, false
}

// AppendLocal adds messages to the cached conversation id, creating it.
func (s *Store) AppendLocal(id int64, title string, msgs ...*models.Message) error {
	return s.Update(func(st *State) {
		now := time.Now().UTC()
		for i := range st.ChatSessions {
			if st.ChatSessions[i].ID == id {
				st.ChatSessions[i].Messages = append(st.ChatSessions[i].Messages, msgs...)
				st.ChatSessions[i].UpdatedAt = now
				if title != "" {
					st.ChatSessions[i].Title = title
				}
				return
			}
		}
		st.ChatSessions = append(st.ChatSessions, LocalSession{ID: id, Title: title, Messages: msgs, UpdatedAt: now})
	})
}

// DropLocal removes the cached conversation id.
func (s *Store) DropLocal(id int64) error {
	return s.Update(func(st *State) {
		kept := st.ChatSessions[:0]
		for _, ls := range st.ChatSessions {
			if ls.ID != id {
				kept = append(kept, ls)
			}
		}
		st.ChatSessions = kept
	})
}

// saveLocked writes the state to a temp file in the same directory and
// renames it over the target.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
