package worker

import (
	"sync"

	"ollamachat/internal/models"
	"ollamachat/internal/service/llm"
)

// sessionProvider is the provider built for a session, reused while the
// requested provider, model and key stay the same.
type sessionProvider struct {
	provider llm.Provider
	cfg      llm.Config
}

// userState caches one user's loaded sessions between requests.
type userState struct {
	mu          sync.RWMutex
	sessions    map[int64]*models.Session
	history     map[int64][]*models.Message
	providers   map[int64]*sessionProvider
	attachments map[int64][]*models.Attachment
}

func newUserState() *userState {
	return &userState{
		sessions:    make(map[int64]*models.Session),
		history:     make(map[int64][]*models.Message),
		providers:   make(map[int64]*sessionProvider),
		attachments: make(map[int64][]*models.Attachment),
	}
}

func (s *userState) isReady(sessionID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

func (s *userState) setSession(session *models.Session, history []*models.Message) {
	if session == nil {
		return
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.history[session.ID] = history
	s.mu.Unlock()
}

func (s *userState) getSession(sessionID int64) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if se, ok := s.sessions[sessionID]; ok {
		cp := *se
		return &cp
	}
	return nil
}

func (s *userState) setTitle(sessionID int64, title string) {
	s.mu.Lock()
	if se, ok := s.sessions[sessionID]; ok {
		se.Title = title
	}
	s.mu.Unlock()
}

func (s *userState) appendHistory(sessionID int64, msgs ...*models.Message) {
	s.mu.Lock()
	for _, msg := range msgs {
		if msg != nil {
			s.history[sessionID] = append(s.history[sessionID], msg)
		}
	}
	s.mu.Unlock()
}

// getHistory returns a copy safe to extend without touching the cache.
func (s *userState) getHistory(sessionID int64) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.history[sessionID]
	out := make([]*models.Message, len(history))
	copy(out, history)
	return out
}

func (s *userState) setProvider(sessionID int64, p *sessionProvider) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.providers[sessionID] = p
	s.mu.Unlock()
}

func (s *userState) getProvider(sessionID int64) *sessionProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[sessionID]
}

func (s *userState) setAttachments(sessionID int64, atts []*models.Attachment) {
	s.mu.Lock()
	s.attachments[sessionID] = atts
	s.mu.Unlock()
}

func (s *userState) getAttachments(sessionID int64) ([]*models.Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	atts, ok := s.attachments[sessionID]
	return atts, ok
}

func (s *userState) dropAttachments(sessionID int64) {
	s.mu.Lock()
	delete(s.attachments, sessionID)
	s.mu.Unlock()
}

func (s *userState) purgeCache(sessionID int64) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.history, sessionID)
	delete(s.providers, sessionID)
	delete(s.attachments, sessionID)
	s.mu.Unlock()
}

func (s *userState) sessionIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
