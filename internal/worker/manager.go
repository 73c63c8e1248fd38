package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ollamachat/internal/models"
	"ollamachat/internal/redis"
	"ollamachat/internal/service/llm"
)

// ErrStopped marks a generation the client abandoned. Delta callbacks wrap it
// when the stream can no longer be written.
var ErrStopped = errors.New("generation stopped")

var (
	errSessionRequired = errors.New("session id required")
	errMessageRequired = errors.New("user message required")
	errEmptyReply      = errors.New("model returned an empty reply")
)

const defaultTitleTimeout = 30 * time.Second

// Assistant is the persistence the manager needs.
type Assistant interface {
	CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error)
	GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error)
	UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error
	AppendMessageToSession(ctx context.Context, userID, sessionID int64, role models.Role, content string) (*models.Message, error)
	ListSessionAttachments(ctx context.Context, userID, sessionID int64) ([]*models.Attachment, error)
}

type SessionRequest struct {
	Context   context.Context
	UserID    int64
	SessionID int64 // 0 creates a new session
	Provider  string
	Model     string
	Token     string
	Params    *models.ModelParameters
}

func (r SessionRequest) ctx() context.Context {
	if r.Context == nil {
		return context.Background()
	}
	return r.Context
}

func (r SessionRequest) providerConfig() llm.Config {
	return llm.Config{
		Provider: llm.NormalizeProvider(r.Provider),
		Model:    strings.TrimSpace(r.Model),
		Token:    r.Token,
	}
}

// StreamRequest generates the reply to Message, a user turn already stored
// in the session. Nil Attachments means every active attachment of the session.
type StreamRequest struct {
	SessionRequest
	Message     *models.Message
	Attachments []*models.Attachment
	OnDelta     llm.DeltaFunc
}

// StreamResult is a finished or stopped exchange. AIMessage is nil when the
// client stopped before any content arrived.
type StreamResult struct {
	UserMessage *models.Message `json:"user_message"`
	AIMessage   *models.Message `json:"ai_message"`
	Title       string          `json:"title,omitempty"`
	Stats       llm.Stats       `json:"stats"`
	Stopped     bool            `json:"stopped"`
}

// GuestRequest is a stateless generation over client-held history.
type GuestRequest struct {
	Context  context.Context
	GuestID  string
	Model    string
	Params   *models.ModelParameters
	Messages []*models.Message
	OnDelta  llm.DeltaFunc
}

type GuestResult struct {
	Content string    `json:"content"`
	Stats   llm.Stats `json:"stats"`
	Stopped bool      `json:"stopped"`
}

type sessionTask struct {
	req      SessionRequest
	resultCh chan sessionReturn
}

type sessionReturn struct {
	session *models.Session
	err     error
}

type streamTask struct {
	req      StreamRequest
	resultCh chan streamReturn
}

type streamReturn struct {
	result *StreamResult
	err    error
}

type guestTask struct {
	req      GuestRequest
	resultCh chan guestReturn
}

type guestReturn struct {
	result *GuestResult
	err    error
}

// Manager runs chat generations on a bounded worker pool and keeps each
// user's loaded sessions cached between requests.
type Manager struct {
	assistant    Assistant
	factory      llm.Factory
	cache        *stateRedis
	dispatcher   *Dispatcher
	instanceID   string
	titleTimeout time.Duration
	stopListener context.CancelFunc

	mu    sync.Mutex
	state map[int64]*userState
	locks map[int64]*sync.Mutex // per session, serializes generations
}

func NewManager(asst Assistant, factory llm.Factory, cfg DispatcherConfig, cacheClient *redis.Client) *Manager {
	m := &Manager{
		assistant:    asst,
		factory:      factory,
		cache:        newStateCache(cacheClient),
		instanceID:   uuid.NewString(),
		titleTimeout: defaultTitleTimeout,
		state:        make(map[int64]*userState),
		locks:        make(map[int64]*sync.Mutex),
	}
	m.dispatcher = NewDispatcher(cfg, m)

	ctx, cancel := context.WithCancel(context.Background())
	m.stopListener = cancel
	if err := m.cache.startListener(ctx, m.applyInvalidation); err != nil {
		log.Printf("[worker] invalidation listener disabled: %v", err)
	}
	return m
}

// Close stops the pool and the invalidation listener. Queued jobs fail with
// ErrJobCancelled.
func (m *Manager) Close() {
	m.stopListener()
	m.dispatcher.Close()
}

// InitSession loads a session into the cache, creating it when SessionID is
// 0, and checks that the requested provider can be built.
func (m *Manager) InitSession(req SessionRequest) (*models.Session, error) {
	if req.SessionID < 0 {
		return nil, errSessionRequired
	}
	resultCh := make(chan sessionReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Init, SessionTask: &sessionTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.session, ret.err
}

// Stream generates the assistant reply for req.Message, forwarding deltas to
// req.OnDelta. The reply is stored even when the client stops mid-way.
func (m *Manager) Stream(req StreamRequest) (*StreamResult, error) {
	if req.SessionID <= 0 {
		return nil, errSessionRequired
	}
	if req.Message == nil {
		return nil, errMessageRequired
	}
	resultCh := make(chan streamReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Stream, StreamTask: &streamTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.result, ret.err
}

// StreamGuest generates a reply for a guest on the local model without
// touching storage.
func (m *Manager) StreamGuest(req GuestRequest) (*GuestResult, error) {
	if len(req.Messages) == 0 {
		return nil, errMessageRequired
	}
	resultCh := make(chan guestReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Guest, GuestTask: &guestTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.result, ret.err
}

// Purge drops a session from every instance's cache.
func (m *Manager) Purge(userID, sessionID int64) {
	m.purgeLocal(userID, sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{Origin: m.instanceID, UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// ResetUser drops everything cached for a user and fails their queued jobs.
func (m *Manager) ResetUser(userID int64) {
	m.dispatcher.CancelUser(userID)
	for _, sessionID := range m.resetLocal(userID) {
		m.cache.invalidateSession(sessionID)
	}
	m.cache.publishInvalidation(invalidateMessage{Origin: m.instanceID, UserID: userID, Scope: scopeUser})
}

// InvalidateAttachments forgets the cached attachment list of a session, so
// the next generation sees new uploads or expirations.
func (m *Manager) InvalidateAttachments(userID, sessionID int64) {
	if st := m.getState(userID); st != nil {
		st.dropAttachments(sessionID)
	}
	m.cache.invalidateAttachments(sessionID)
	m.cache.publishInvalidation(invalidateMessage{Origin: m.instanceID, UserID: userID, SessionID: sessionID, Scope: scopeAttachments})
}

func (m *Manager) applyInvalidation(msg invalidateMessage) {
	if msg.Origin == m.instanceID {
		return
	}
	debugLog("[worker] remote invalidation %s user=%d session=%d", msg.Scope, msg.UserID, msg.SessionID)
	switch msg.Scope {
	case scopeUser:
		m.dispatcher.CancelUser(msg.UserID)
		m.resetLocal(msg.UserID)
	case scopeSession:
		m.purgeLocal(msg.UserID, msg.SessionID)
	case scopeAttachments:
		if st := m.getState(msg.UserID); st != nil {
			st.dropAttachments(msg.SessionID)
		}
	}
}

func (m *Manager) purgeLocal(userID, sessionID int64) {
	if st := m.getState(userID); st != nil {
		st.purgeCache(sessionID)
	}
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}

func (m *Manager) resetLocal(userID int64) []int64 {
	m.mu.Lock()
	st := m.state[userID]
	delete(m.state, userID)
	m.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.sessionIDs()
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[userID]
}

func (m *Manager) ensureState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[userID]
	if !ok {
		st = newUserState()
		m.state[userID] = st
	}
	return st
}

func (m *Manager) sessionLock(sessionID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func (m *Manager) handleInit(task *sessionTask) {
	req := task.req
	ctx := req.ctx()
	st := m.ensureState(req.UserID)

	// build the provider first so a bad provider does not leave an empty session
	cfg := req.providerConfig()
	var provider llm.Provider
	if cached := st.getProvider(req.SessionID); req.SessionID > 0 && cached != nil && cached.cfg == cfg {
		provider = cached.provider
	} else {
		p, err := m.buildProvider(ctx, cfg)
		if err != nil {
			task.resultCh <- sessionReturn{err: err}
			return
		}
		provider = p
	}

	session, err := m.loadSession(ctx, st, req.UserID, req.SessionID)
	if err != nil {
		task.resultCh <- sessionReturn{err: err}
		return
	}
	st.setProvider(session.ID, &sessionProvider{provider: provider, cfg: cfg})
	task.resultCh <- sessionReturn{session: session}
}

// loadSession returns a session from the local cache, redis or the database,
// in that order, creating a new one for sessionID 0.
func (m *Manager) loadSession(ctx context.Context, st *userState, userID, sessionID int64) (*models.Session, error) {
	if sessionID == 0 {
		session, err := m.assistant.CreateSession(ctx, userID, "")
		if err != nil {
			return nil, err
		}
		st.setSession(session, nil)
		m.cache.cacheSession(session, nil)
		debugLog("[worker] created session %d for user %d", session.ID, userID)
		return st.getSession(session.ID), nil
	}
	if session := st.getSession(sessionID); session != nil {
		return session, nil
	}
	if session, history, ok := m.cache.loadSession(userID, sessionID); ok {
		st.setSession(session, history)
		return st.getSession(sessionID), nil
	}
	session, history, err := m.assistant.GetSessionWithMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	st.setSession(session, history)
	m.cache.cacheSession(session, history)
	return st.getSession(sessionID), nil
}

func (m *Manager) ensureProvider(ctx context.Context, st *userState, sessionID int64, req SessionRequest) (llm.Provider, error) {
	cfg := req.providerConfig()
	if cached := st.getProvider(sessionID); cached != nil && cached.cfg == cfg {
		return cached.provider, nil
	}
	p, err := m.buildProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st.setProvider(sessionID, &sessionProvider{provider: p, cfg: cfg})
	return p, nil
}

func (m *Manager) buildProvider(ctx context.Context, cfg llm.Config) (llm.Provider, error) {
	if m.factory == nil {
		return nil, errors.New("no provider factory configured")
	}
	return m.factory(ctx, cfg)
}

func (m *Manager) sessionAttachments(ctx context.Context, st *userState, userID, sessionID int64) []*models.Attachment {
	if atts, ok := st.getAttachments(sessionID); ok {
		return liveAttachments(atts)
	}
	if atts, ok := m.cache.loadAttachments(userID, sessionID); ok {
		st.setAttachments(sessionID, atts)
		return atts
	}
	atts, err := m.assistant.ListSessionAttachments(ctx, userID, sessionID)
	if err != nil {
		log.Printf("[worker] list attachments for session %d: %v", sessionID, err)
		return nil
	}
	st.setAttachments(sessionID, atts)
	m.cache.cacheAttachments(sessionID, atts)
	return atts
}

func (m *Manager) handleStream(task *streamTask) {
	req := task.req
	ctx := req.ctx()
	if err := ctx.Err(); err != nil {
		task.resultCh <- streamReturn{err: err}
		return
	}
	lock := m.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	result, err := m.runStream(ctx, req)
	task.resultCh <- streamReturn{result: result, err: err}
}

func (m *Manager) runStream(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	st := m.ensureState(req.UserID)
	session, err := m.loadSession(ctx, st, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	provider, err := m.ensureProvider(ctx, st, session.ID, req.SessionRequest)
	if err != nil {
		return nil, err
	}

	history := st.getHistory(session.ID)
	firstExchange := !hasRole(history, models.RoleAssistant)
	if !containsMessage(history, req.Message.ID) {
		history = append(history, req.Message)
		st.appendHistory(session.ID, req.Message)
	}
	attachments := req.Attachments
	if attachments == nil {
		attachments = m.sessionAttachments(ctx, st, req.UserID, session.ID)
	}

	reply, err := provider.StreamChat(ctx, &llm.Request{
		UserID:      req.UserID,
		SessionID:   session.ID,
		Messages:    history,
		Params:      req.Params,
		Attachments: attachments,
	}, req.OnDelta)
	stopped := false
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			return nil, err
		}
		stopped = true
		debugLog("[worker] session %d generation stopped: %v", session.ID, err)
	}

	out := &StreamResult{UserMessage: req.Message, Stopped: stopped}
	content := ""
	if reply != nil {
		out.Stats = reply.Stats
		content = reply.Content
	}
	if strings.TrimSpace(content) == "" {
		if stopped {
			return out, nil
		}
		return nil, errEmptyReply
	}

	// the request context may already be cancelled; the reply is kept anyway
	persistCtx := context.WithoutCancel(ctx)
	aiMsg, err := m.assistant.AppendMessageToSession(persistCtx, req.UserID, session.ID, models.RoleAssistant, content)
	if err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	st.appendHistory(session.ID, aiMsg)
	m.cache.cacheHistory(session.ID, st.getHistory(session.ID))
	out.AIMessage = aiMsg

	if firstExchange && !stopped && session.Title == llm.DefaultTitle {
		titleCtx, cancel := context.WithTimeout(persistCtx, m.titleTimeout)
		title := llm.GenerateTitle(titleCtx, provider, append(history, aiMsg))
		cancel()
		if title != llm.DefaultTitle {
			if err := m.assistant.UpdateSessionTitle(persistCtx, req.UserID, session.ID, title); err != nil {
				log.Printf("[worker] store title for session %d: %v", session.ID, err)
			} else {
				st.setTitle(session.ID, title)
				m.cache.cacheSession(st.getSession(session.ID), st.getHistory(session.ID))
				out.Title = title
			}
		}
	}
	return out, nil
}

func (m *Manager) handleGuest(task *guestTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- guestReturn{err: err}
		return
	}
	provider, err := m.buildProvider(ctx, llm.Config{Provider: llm.ProviderOllama, Model: strings.TrimSpace(req.Model)})
	if err != nil {
		task.resultCh <- guestReturn{err: err}
		return
	}
	reply, err := provider.StreamChat(ctx, &llm.Request{Messages: req.Messages, Params: req.Params}, req.OnDelta)
	out := &GuestResult{}
	if reply != nil {
		out.Content = reply.Content
		out.Stats = reply.Stats
	}
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			task.resultCh <- guestReturn{err: err}
			return
		}
		out.Stopped = true
	}
	task.resultCh <- guestReturn{result: out}
}

func hasRole(history []*models.Message, role models.Role) bool {
	for _, msg := range history {
		if msg.Role == role {
			return true
		}
	}
	return false
}

func containsMessage(history []*models.Message, id int64) bool {
	if id == 0 {
		return false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			return true
		}
	}
	return false
}

func liveAttachments(atts []*models.Attachment) []*models.Attachment {
	now := time.Now()
	out := atts[:0:0]
	for _, att := range atts {
		if att.ExpiresAt.IsZero() || now.Before(att.ExpiresAt) {
			out = append(out, att)
		}
	}
	return out
}
