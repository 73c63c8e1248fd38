package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ollamachat/internal/models"
	"ollamachat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeUser        = "user"
	scopeSession     = "session"
	scopeAttachments = "attachments"
)

type invalidateMessage struct {
	Origin    string `json:"origin"`
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// stateRedis mirrors session state in redis so another instance can pick up a
// session without hitting the database, and broadcasts invalidations. A nil
// or disabled client turns every method into a no-op.
type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client.Enabled()
}

func sessionKey(sessionID int64) string     { return fmt.Sprintf("worker:session:%d", sessionID) }
func historyKey(sessionID int64) string     { return fmt.Sprintf("worker:history:%d", sessionID) }
func attachmentsKey(sessionID int64) string { return fmt.Sprintf("worker:attachments:%d", sessionID) }

// startListener delivers invalidations published by any instance until ctx
// is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) error {
	if !r.enabled() || handler == nil {
		return nil
	}
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("[worker] invalidation decode failed: %v", err)
					continue
				}
				handler(inv)
			}
		}
	}()
	return nil
}

func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if !r.enabled() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[worker] invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Printf("[worker] publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheSession(session *models.Session, history []*models.Message) {
	if !r.enabled() || session == nil || session.ID <= 0 {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		log.Printf("[worker] session marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), sessionKey(session.ID), data, redisStateTTL); err != nil {
		log.Printf("[worker] cache session failed: %v", err)
	}
	r.cacheHistory(session.ID, history)
}

func (r *stateRedis) cacheHistory(sessionID int64, history []*models.Message) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		log.Printf("[worker] history marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), historyKey(sessionID), data, redisStateTTL); err != nil {
		log.Printf("[worker] cache history failed: %v", err)
	}
}

func (r *stateRedis) cacheAttachments(sessionID int64, atts []*models.Attachment) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(atts)
	if err != nil {
		log.Printf("[worker] attachments marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), attachmentsKey(sessionID), data, redisStateTTL); err != nil {
		log.Printf("[worker] cache attachments failed: %v", err)
	}
}

// loadSession returns the cached session when it belongs to userID.
func (r *stateRedis) loadSession(userID, sessionID int64) (*models.Session, []*models.Message, bool) {
	if !r.enabled() || sessionID <= 0 {
		return nil, nil, false
	}
	ctx := context.Background()
	raw, err := r.client.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[worker] load session failed: %v", err)
		}
		return nil, nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Printf("[worker] decode session failed: %v", err)
		return nil, nil, false
	}
	if session.UserID != userID {
		return nil, nil, false
	}

	rawHistory, err := r.client.Get(ctx, historyKey(sessionID))
	if err != nil {
		// a session without its history is useless, reload both
		return nil, nil, false
	}
	var history []*models.Message
	if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
		log.Printf("[worker] decode history failed: %v", err)
		return nil, nil, false
	}
	return &session, history, true
}

func (r *stateRedis) loadAttachments(userID, sessionID int64) ([]*models.Attachment, bool) {
	if !r.enabled() || sessionID <= 0 {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), attachmentsKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[worker] load attachments failed: %v", err)
		}
		return nil, false
	}
	var atts []*models.Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		log.Printf("[worker] decode attachments failed: %v", err)
		return nil, false
	}
	now := time.Now()
	for _, att := range atts {
		if att == nil || att.UserID != userID || now.After(att.ExpiresAt) {
			return nil, false
		}
	}
	return atts, true
}

func (r *stateRedis) invalidateSession(sessionID int64) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	if err := r.client.Del(context.Background(), sessionKey(sessionID), historyKey(sessionID), attachmentsKey(sessionID)); err != nil {
		log.Printf("[worker] invalidate session failed: %v", err)
	}
}

func (r *stateRedis) invalidateAttachments(sessionID int64) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	if err := r.client.Del(context.Background(), attachmentsKey(sessionID)); err != nil {
		log.Printf("[worker] invalidate attachments failed: %v", err)
	}
}
