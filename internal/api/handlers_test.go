package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ollamachat/internal/auth"
	"ollamachat/internal/config"
	"ollamachat/internal/ollama"
	"ollamachat/internal/quota"
	"ollamachat/internal/service/assistant"
	"ollamachat/internal/service/llm"
	"ollamachat/internal/storage"
	"ollamachat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{
		"session_id": 0,
		"content":    "Hello, remember my name is Bob.",
	}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 5 {
		t.Fatalf("expected 5 SSE events, got %d: %+v", len(events), events)
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %q", events[0].Name)
	}
	var ack struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Session struct {
			ID int64 `json:"id"`
		} `json:"session"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	if ack.Message.Content != "Hello, remember my name is Bob." || ack.Session.ID <= 0 {
		t.Fatalf("unexpected ack payload: %s", events[0].Data)
	}

	var streamed strings.Builder
	for _, evt := range events[1:3] {
		if evt.Name != "" {
			t.Fatalf("delta events must be unnamed, got %q", evt.Name)
		}
		var delta struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &delta)
		streamed.WriteString(delta.Content)
	}
	if streamed.String() != "echo: Hello, remember my name is Bob." {
		t.Fatalf("deltas out of order: %q", streamed.String())
	}

	if events[3].Name != "done" {
		t.Fatalf("expected done event, got %q", events[3].Name)
	}
	var done struct {
		Title string `json:"title"`
		AI    struct {
			Content string `json:"content"`
		} `json:"ai_message"`
		Stopped bool `json:"stopped"`
	}
	decodeJSON(t, []byte(events[3].Data), &done)
	if done.Title != "Echo Chat" || done.AI.Content != streamed.String() || done.Stopped {
		t.Fatalf("unexpected done payload: %s", events[3].Data)
	}
	if events[4].Data != doneSentinel {
		t.Fatalf("expected [DONE] sentinel, got %q", events[4].Data)
	}
	if n := countMessages(t, env.db, ack.Session.ID); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}

	// Second turn reuses the session and sees the whole history.
	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{
		"session_id": ack.Session.ID,
		"content":    "What is my name?",
	}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	events = parseSSE(t, rec.Body.String())
	decodeJSON(t, []byte(events[len(events)-2].Data), &done)
	if done.Title != "" {
		t.Fatalf("title must only be generated once, got %q", done.Title)
	}
	if got := env.provider.lastHistoryLen(); got != 3 {
		t.Fatalf("expected 3 messages of history, got %d", got)
	}
	if n := countMessages(t, env.db, ack.Session.ID); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/sessions", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var list struct {
		Sessions []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"sessions"`
	}
	decodeJSON(t, rec.Body.Bytes(), &list)
	if len(list.Sessions) != 1 || list.Sessions[0].Title != "Echo Chat" {
		t.Fatalf("unexpected session list: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, fmt.Sprintf("/api/sessions/%d", ack.Session.ID), nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var detail struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &detail)
	if len(detail.Messages) != 4 || detail.Messages[0].Role != "user" || detail.Messages[3].Role != "assistant" {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var me struct {
		DailyUsed int `json:"daily_used"`
	}
	decodeJSON(t, rec.Body.Bytes(), &me)
	if me.DailyUsed != 2 {
		t.Fatalf("expected 2 messages counted, got %d", me.DailyUsed)
	}

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/auth/logout", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestRegisterAndLoginErrors(t *testing.T) {
	env := newTestServer(t, nil)

	body := map[string]string{"username": "alice", "email": "alice@example.com", "password": "secret1"}
	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/auth/register", body, nil)
	assertStatus(t, rec, http.StatusCreated)
	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/auth/register", body, nil)
	assertStatus(t, rec, http.StatusConflict)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/auth/register", map[string]string{"username": "bob", "password": "x"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/auth/login", map[string]string{"username": "alice", "password": "wrong-pass"}, nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/auth/login", map[string]string{"email": "alice@example.com", "password": "secret1"}, nil)
	assertStatus(t, rec, http.StatusOK)
	cookies := rec.Result().Cookies()
	names := map[string]bool{}
	for _, ck := range cookies {
		names[ck.Name] = true
	}
	if !names["auth_token"] || !names["csrf_token"] {
		t.Fatalf("expected auth and csrf cookies, got %v", names)
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/sessions", nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	env := newTestServer(t, nil)
	registerUser(t, env.router, "carol", "secret1")
	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/auth/login", map[string]string{"username": "carol", "password": "secret1"}, nil)
	assertStatus(t, rec, http.StatusOK)

	var authCookie, csrfCookie *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("missing cookies")
	}

	send := func(withHeader bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"title":"cookie"}`))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(authCookie)
		req.AddCookie(csrfCookie)
		if withHeader {
			req.Header.Set("X-CSRF-Token", csrfCookie.Value)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, send(false), http.StatusForbidden)
	assertStatus(t, send(true), http.StatusCreated)
}

func TestChatValidation(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty content", map[string]any{"content": "   "}, http.StatusBadRequest},
		{"unknown session", map[string]any{"session_id": 999, "content": "hi"}, http.StatusNotFound},
		{"missing provider key", map[string]any{"content": "hi", "provider": "openai"}, http.StatusBadRequest},
		{"attachments without session", map[string]any{"content": "hi", "attachment_ids": []int64{1}}, http.StatusBadRequest},
		{"bad options", map[string]any{"content": "hi", "options": map[string]any{"temperature": 5}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := doJSONRequest(t, env.router, http.MethodPost, "/api/chat", tc.body, authHeader)
		if rec.Code != tc.want {
			t.Errorf("%s: want %d got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected requests must not create sessions, got %d", count)
	}

	rec := doJSONRequest(t, env.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	var me struct {
		DailyUsed int `json:"daily_used"`
	}
	decodeJSON(t, rec.Body.Bytes(), &me)
	if me.DailyUsed != 0 {
		t.Fatalf("rejected requests must not be counted, got %d", me.DailyUsed)
	}
}

func TestChatDailyLimit(t *testing.T) {
	env := newTestServer(t, func(o *Options) { o.DailyLimit = 1 })
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "one"}, authHeader)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "two"}, authHeader)
	assertStatus(t, rec, http.StatusTooManyRequests)
	if strings.Contains(rec.Body.String(), "event:") {
		t.Fatalf("limit errors must be plain JSON, got %s", rec.Body.String())
	}
}

func TestChatProviderErrorRefundsQuota(t *testing.T) {
	env := newTestServer(t, func(o *Options) { o.DailyLimit = 5 })
	_, authHeader := registerAndLogin(t, env.router)
	env.provider.failWith(errors.New("model exploded"))

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "hi"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 || events[0].Name != "ack" || events[1].Name != "error" || events[2].Data != doneSentinel {
		t.Fatalf("unexpected events: %+v", events)
	}
	if strings.Contains(events[1].Data, "exploded") {
		t.Fatalf("internal errors must not leak: %s", events[1].Data)
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	var me struct {
		DailyUsed      int `json:"daily_used"`
		DailyRemaining int `json:"daily_remaining"`
	}
	decodeJSON(t, rec.Body.Bytes(), &me)
	if me.DailyUsed != 0 || me.DailyRemaining != 5 {
		t.Fatalf("failed generation must be refunded: %s", rec.Body.String())
	}
}

func TestChatStopKeepsPartialReply(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)
	started := env.provider.blockAfterFirstDelta()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body, _ := json.Marshal(map[string]any{"content": "tell me a long story"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range authHeader {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		env.router.ServeHTTP(rec, req)
		close(finished)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("generation did not start")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return after cancel")
	}

	events := parseSSE(t, rec.Body.String())
	var done struct {
		Stopped bool `json:"stopped"`
		AI      struct {
			SessionID int64  `json:"session_id"`
			Content   string `json:"content"`
		} `json:"ai_message"`
		Title string `json:"title"`
	}
	found := false
	for _, evt := range events {
		if evt.Name == "done" {
			decodeJSON(t, []byte(evt.Data), &done)
			found = true
		}
	}
	if !found {
		t.Fatalf("expected done event, got %+v", events)
	}
	if !done.Stopped || done.AI.Content != "echo: " || done.Title != "" {
		t.Fatalf("unexpected stopped payload: %+v", done)
	}
	if n := countMessages(t, env.db, done.AI.SessionID); n != 2 {
		t.Fatalf("expected user turn and partial reply stored, got %d", n)
	}
}

func TestGuestChatLimit(t *testing.T) {
	env := newTestServer(t, func(o *Options) { o.GuestQuota = quota.NewGuestQuota(nil, 2, time.Hour) })

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/auth/guest", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var guest struct {
		Token     string `json:"guest_token"`
		Remaining int    `json:"remaining"`
	}
	decodeJSON(t, rec.Body.Bytes(), &guest)
	if guest.Token == "" || guest.Remaining != 2 {
		t.Fatalf("unexpected guest response: %s", rec.Body.String())
	}
	header := map[string]string{"Authorization": "Bearer " + guest.Token}

	for i, wantRemaining := range []int{1, 0} {
		rec = doJSONRequest(t, env.router, http.MethodPost, "/api/guest/chat", map[string]any{
			"content": fmt.Sprintf("guest message %d", i),
			"history": []map[string]string{
				{"role": "user", "content": "earlier"},
				{"role": "assistant", "content": "echo: earlier"},
				{"role": "system", "content": "ignored"},
			},
		}, header)
		assertStatus(t, rec, http.StatusOK)
		events := parseSSE(t, rec.Body.String())
		var done struct {
			Content   string `json:"content"`
			Remaining int    `json:"remaining"`
		}
		decodeJSON(t, []byte(events[len(events)-2].Data), &done)
		if done.Content != fmt.Sprintf("echo: guest message %d", i) || done.Remaining != wantRemaining {
			t.Fatalf("unexpected guest done: %s", events[len(events)-2].Data)
		}
		if got := env.provider.lastHistoryLen(); got != 3 {
			t.Fatalf("expected system turns dropped from guest history, got %d", got)
		}
	}

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/guest/chat", map[string]any{"content": "third"}, header)
	assertStatus(t, rec, http.StatusTooManyRequests)

	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("guest chat must not persist messages, got %d", count)
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/sessions", nil, header)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestGuestReservationReleasedOnlyWithoutContent(t *testing.T) {
	guestQuota := quota.NewGuestQuota(nil, 2, time.Hour)
	env := newTestServer(t, func(o *Options) { o.GuestQuota = guestQuota })

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/auth/guest", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var guest struct {
		Token string `json:"guest_token"`
		ID    string `json:"guest_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &guest)
	header := map[string]string{"Authorization": "Bearer " + guest.Token}
	ctx := context.Background()

	env.provider.failWith(errors.New("model not loaded"))
	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/guest/chat", map[string]any{"content": "one"}, header)
	assertStatus(t, rec, http.StatusOK)
	remaining, err := guestQuota.Remaining(ctx, guest.ID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("failure before any content must release the reservation, remaining %d", remaining)
	}

	env.provider.failAfterFirstDelta(errors.New("connection reset"))
	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/guest/chat", map[string]any{"content": "two"}, header)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 4 || events[1].Data != `{"content":"echo: "}` || events[2].Name != "error" {
		t.Fatalf("unexpected events: %+v", events)
	}
	remaining, err = guestQuota.Remaining(ctx, guest.ID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("delivered content must keep the reservation, remaining %d", remaining)
	}
}

func TestChatRequestModelWinsOverSavedDefault(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ollama.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, req.Model)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/x-ndjson")
		if req.Stream {
			fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":"hi"},"done":false}`+"\n", req.Model)
			fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":""},"done":true,"eval_count":1}`+"\n", req.Model)
			return
		}
		fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":"Greeting"},"done":true}`, req.Model)
	})
	ollamaServer := httptest.NewServer(mux)
	t.Cleanup(ollamaServer.Close)

	env := newTestServer(t, func(o *Options) {
		client := ollama.NewClient(ollamaServer.URL, "llama3.2", 2*time.Second)
		manager := worker.NewManager(o.Assistant, llm.NewFactory(&config.Config{}, client),
			worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, nil)
		t.Cleanup(manager.Close)
		o.Workers = manager
	})
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPut, "/api/settings/model-parameters", map[string]any{"model": "saved-default"}, authHeader)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{
		"content": "hello",
		"model":   "requested-model",
	}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 || events[len(events)-2].Name != "done" {
		t.Fatalf("unexpected events: %+v", events)
	}
	mu.Lock()
	got := append([]string(nil), seen...)
	seen = nil
	mu.Unlock()
	if len(got) == 0 {
		t.Fatal("ollama received no requests")
	}
	for _, m := range got {
		if m != "requested-model" {
			t.Fatalf("every call of one exchange must use the requested model, got %q", got)
		}
	}

	// without a request model the saved default applies
	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "again"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	mu.Lock()
	got = append([]string(nil), seen...)
	mu.Unlock()
	if len(got) == 0 || got[0] != "saved-default" {
		t.Fatalf("expected the saved default model, got %q", got)
	}
}

func TestSessionCRUDAndExport(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/sessions", map[string]string{"title": "Notes"}, authHeader)
	assertStatus(t, rec, http.StatusCreated)
	var session struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	decodeJSON(t, rec.Body.Bytes(), &session)
	if session.ID <= 0 || session.Title != "Notes" {
		t.Fatalf("unexpected session: %s", rec.Body.String())
	}
	path := fmt.Sprintf("/api/sessions/%d", session.ID)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"session_id": session.ID, "content": "ping"}, authHeader)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, env.router, http.MethodPatch, path, map[string]string{"title": "Renamed"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec.Body.Bytes(), &session)
	if session.Title != "Renamed" {
		t.Fatalf("rename not applied: %s", rec.Body.String())
	}
	rec = doJSONRequest(t, env.router, http.MethodPatch, path, map[string]string{"title": " "}, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, env.router, http.MethodGet, path+"/export?format=md", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Header().Get("Content-Disposition"), ".md") {
		t.Fatalf("missing download filename: %q", rec.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rec.Body.String(), "Renamed") || !strings.Contains(rec.Body.String(), "echo: ping") {
		t.Fatalf("unexpected markdown export: %s", rec.Body.String())
	}
	rec = doJSONRequest(t, env.router, http.MethodGet, path+"/export", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("json is the default export format, got %q", rec.Header().Get("Content-Type"))
	}
	rec = doJSONRequest(t, env.router, http.MethodGet, path+"/export?format=pdf", nil, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, env.router, http.MethodDelete, path+"/messages", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	if n := countMessages(t, env.db, session.ID); n != 0 {
		t.Fatalf("expected history cleared, got %d", n)
	}

	// another user cannot see the session
	_, otherHeader := registerAndLogin(t, env.router)
	rec = doJSONRequest(t, env.router, http.MethodGet, path, nil, otherHeader)
	assertStatus(t, rec, http.StatusNotFound)

	rec = doJSONRequest(t, env.router, http.MethodDelete, path, nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSONRequest(t, env.router, http.MethodGet, path, nil, authHeader)
	assertStatus(t, rec, http.StatusNotFound)
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/sessions/abc", nil, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestUploadAttachment(t *testing.T) {
	env := newTestServer(t, func(o *Options) { o.StorageLimit = 64 })
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/sessions", map[string]string{"title": "files"}, authHeader)
	assertStatus(t, rec, http.StatusCreated)
	var session struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &session)

	rec = doUpload(t, env.router, session.ID, "notes.txt", []byte("remember the milk"), authHeader)
	assertStatus(t, rec, http.StatusCreated)
	var uploaded struct {
		Attachment struct {
			ID       int64  `json:"id"`
			FileName string `json:"file_name"`
			MimeType string `json:"mime_type"`
		} `json:"attachment"`
	}
	decodeJSON(t, rec.Body.Bytes(), &uploaded)
	if uploaded.Attachment.ID <= 0 || uploaded.Attachment.FileName != "notes.txt" {
		t.Fatalf("unexpected upload response: %s", rec.Body.String())
	}
	if !strings.HasPrefix(uploaded.Attachment.MimeType, "text/plain") {
		t.Fatalf("unexpected mime type %q", uploaded.Attachment.MimeType)
	}

	rec = doUpload(t, env.router, session.ID, "notes.txt", []byte("second copy"), authHeader)
	assertStatus(t, rec, http.StatusCreated)
	decodeJSON(t, rec.Body.Bytes(), &uploaded)
	if uploaded.Attachment.FileName != "notes (1).txt" {
		t.Fatalf("expected deduplicated name, got %q", uploaded.Attachment.FileName)
	}

	rec = doUpload(t, env.router, session.ID, "archive.zip", []byte("PK\x03\x04\x14\x00\x00\x00"), authHeader)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doUpload(t, env.router, session.ID, "big.txt", bytes.Repeat([]byte("a"), 60), authHeader)
	assertStatus(t, rec, http.StatusTooManyRequests)

	rec = doUpload(t, env.router, 9999, "notes.txt", []byte("x"), authHeader)
	assertStatus(t, rec, http.StatusNotFound)

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{
		"session_id":     session.ID,
		"content":        "summarize the file",
		"attachment_ids": []int64{uploaded.Attachment.ID},
	}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if got := env.provider.lastAttachmentCount(); got != 1 {
		t.Fatalf("expected one attachment passed to the model, got %d", got)
	}
}

func TestDeletingSessionOrAccountRemovesUploads(t *testing.T) {
	var fileBase string
	env := newTestServer(t, func(o *Options) {
		o.StorageLimit = 64
		fileBase = o.FileBase
	})
	_, authHeader := registerAndLogin(t, env.router)

	newSession := func() int64 {
		rec := doJSONRequest(t, env.router, http.MethodPost, "/api/sessions", map[string]string{"title": "files"}, authHeader)
		assertStatus(t, rec, http.StatusCreated)
		var session struct {
			ID int64 `json:"id"`
		}
		decodeJSON(t, rec.Body.Bytes(), &session)
		return session.ID
	}

	// each round fills most of the budget, so leftover files would block the next upload
	for round := 0; round < 3; round++ {
		id := newSession()
		rec := doUpload(t, env.router, id, "notes.txt", bytes.Repeat([]byte("a"), 40), authHeader)
		assertStatus(t, rec, http.StatusCreated)
		if got := countFiles(t, fileBase); got != 1 {
			t.Fatalf("round %d: expected one stored file, got %d", round, got)
		}
		rec = doJSONRequest(t, env.router, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", id), nil, authHeader)
		assertStatus(t, rec, http.StatusNoContent)
		if got := countFiles(t, fileBase); got != 0 {
			t.Fatalf("round %d: expected uploads removed with the session, got %d files", round, got)
		}
	}

	id := newSession()
	rec := doUpload(t, env.router, id, "notes.txt", []byte("remember the milk"), authHeader)
	assertStatus(t, rec, http.StatusCreated)
	rec = doJSONRequest(t, env.router, http.MethodDelete, "/api/auth/me", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	if got := countFiles(t, fileBase); got != 0 {
		t.Fatalf("expected uploads removed with the account, got %d files", got)
	}
	entries, err := os.ReadDir(fileBase)
	if err != nil {
		t.Fatalf("read file base: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty upload directories pruned, found %d entries", len(entries))
	}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return n
}

func TestModelsAndGPUStats(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodGet, "/api/models", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var models struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
		Default string `json:"default"`
	}
	decodeJSON(t, rec.Body.Bytes(), &models)
	if len(models.Models) != 1 || models.Models[0].Name != "llama3.2:latest" || models.Default != "llama3.2" {
		t.Fatalf("unexpected models: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/gpu-stats", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var stats struct {
		TotalVRAM int64 `json:"total_vram"`
		TotalSize int64 `json:"total_size"`
	}
	decodeJSON(t, rec.Body.Bytes(), &stats)
	if stats.TotalVRAM != 2048 || stats.TotalSize != 4096 {
		t.Fatalf("unexpected gpu stats: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"running"`) {
		t.Fatalf("expected ollama running, got %s", rec.Body.String())
	}

	env.ollamaServer.Close()
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/gpu-stats", nil, authHeader)
	assertStatus(t, rec, http.StatusServiceUnavailable)
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"unreachable"`) {
		t.Fatalf("expected ollama unreachable, got %s", rec.Body.String())
	}
}

func TestSettingsAndKeys(t *testing.T) {
	env := newTestServer(t, nil)
	_, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPut, "/api/settings/model-parameters", map[string]any{"temperature": 3}, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)
	rec = doJSONRequest(t, env.router, http.MethodPut, "/api/settings/model-parameters", map[string]any{
		"model":         "qwen2.5",
		"temperature":   0.3,
		"system_prompt": "be brief",
	}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/settings/model-parameters", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "qwen2.5") {
		t.Fatalf("settings not stored: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "hi"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if cfg := env.factory.lastConfig(); cfg.Model != "qwen2.5" || cfg.Provider != llm.ProviderOllama {
		t.Fatalf("saved defaults not applied: %+v", cfg)
	}

	rec = doJSONRequest(t, env.router, http.MethodPut, "/api/keys", map[string]string{"provider": "openai", "key": "sk-test-1234567890"}, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSONRequest(t, env.router, http.MethodPut, "/api/keys", map[string]string{"provider": "ollama", "key": "nope"}, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/keys", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "sk-test-1234567890") || !strings.Contains(rec.Body.String(), "openai") {
		t.Fatalf("keys must be listed masked: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "hi", "provider": "openai", "model": "gpt-4o-mini"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if cfg := env.factory.lastConfig(); cfg.Token != "sk-test-1234567890" || cfg.Provider != llm.ProviderOpenAI {
		t.Fatalf("stored key not handed to the provider: %+v", cfg)
	}

	rec = doJSONRequest(t, env.router, http.MethodDelete, "/api/keys?provider=openai", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSONRequest(t, env.router, http.MethodDelete, "/api/keys?provider=openai", nil, authHeader)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestDeleteAccount(t *testing.T) {
	env := newTestServer(t, nil)
	userID, authHeader := registerAndLogin(t, env.router)

	rec := doJSONRequest(t, env.router, http.MethodPost, "/api/chat", map[string]any{"content": "hi"}, authHeader)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, env.router, http.MethodDelete, "/api/auth/me", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)

	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected sessions removed with the account, got %d", count)
	}
	rec = doJSONRequest(t, env.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{sql.ErrNoRows, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", assistant.ErrInvalidInput), http.StatusBadRequest},
		{assistant.ErrUserExists, http.StatusConflict},
		{quota.ErrLimitReached, http.StatusTooManyRequests},
		{worker.ErrDispatcherBusy, http.StatusTooManyRequests},
		{ollama.ErrNotRunning, http.StatusServiceUnavailable},
		{ollama.ErrModelNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("%v: want %d got %d", tc.err, tc.want, got)
		}
	}
	if msg := errorMessage(http.StatusInternalServerError, errors.New("secret detail")); msg != "internal error" {
		t.Fatalf("internal errors must be masked, got %q", msg)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var evt sseEvent
		for _, line := range strings.Split(chunk, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

type testEnv struct {
	router       *gin.Engine
	db           *sql.DB
	handler      *Handler
	provider     *echoProvider
	factory      *recordingFactory
	ollamaServer *httptest.Server
}

func newTestServer(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst, err := assistant.NewService(db, "sqlite3")
	if err != nil {
		t.Fatalf("new assistant: %v", err)
	}
	guests, err := auth.NewGuestIssuer("test-guest-secret", time.Hour)
	if err != nil {
		t.Fatalf("guest issuer: %v", err)
	}

	ollamaServer := newFakeOllama(t)
	provider := &echoProvider{}
	factory := &recordingFactory{provider: provider}
	manager := worker.NewManager(asst, factory.build, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16}, nil)
	t.Cleanup(manager.Close)

	opts := Options{
		Assistant:  asst,
		Auth:       auth.NewService(db, nil, time.Hour),
		Guests:     guests,
		GuestQuota: quota.NewGuestQuota(nil, 10, time.Hour),
		Ollama:     ollama.NewClient(ollamaServer.URL, "llama3.2", 2*time.Second),
		Workers:    manager,
		FileBase:   t.TempDir(),
	}
	if configure != nil {
		configure(&opts)
	}
	handler := NewHandler(opts)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testEnv{
		router:       router,
		db:           db,
		handler:      handler,
		provider:     provider,
		factory:      factory,
		ollamaServer: ollamaServer,
	}
}

func newFakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Ollama is running"))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","size":2019393189,"details":{"family":"llama","parameter_size":"3.2B"}}]}`))
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","size":4096,"size_vram":2048}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doUpload(t *testing.T, router *gin.Engine, sessionID int64, name string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", fmt.Sprint(sessionID)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json %q: %v", data, err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerUser(t *testing.T, router *gin.Engine, username, password string) int64 {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, rec, http.StatusCreated)
	var body struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	return body.ID
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	userID := registerUser(t, router, username, password)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return userID, map[string]string{"Authorization": "Bearer " + body.AuthToken}
}

// echoProvider answers "echo: <last message>" in two deltas.
type echoProvider struct {
	mu        sync.Mutex
	fail      error
	failAfter error
	started  chan struct{}
	histLen  int
	attCount int
}

func (p *echoProvider) Name() string  { return "echo" }
func (p *echoProvider) Model() string { return "echo" }

func (p *echoProvider) StreamChat(ctx context.Context, req *llm.Request, onDelta llm.DeltaFunc) (*llm.Result, error) {
	p.mu.Lock()
	p.histLen = len(req.Messages)
	p.attCount = len(req.Attachments)
	fail := p.fail
	p.fail = nil
	failAfter := p.failAfter
	p.failAfter = nil
	started := p.started
	p.started = nil
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	last := req.Messages[len(req.Messages)-1].Content
	parts := []string{"echo: ", last}
	var content strings.Builder
	for i, part := range parts {
		if err := onDelta(part); err != nil {
			return &llm.Result{Content: content.String()}, err
		}
		content.WriteString(part)
		if i == 0 && failAfter != nil {
			return &llm.Result{Content: content.String()}, failAfter
		}
		if i == 0 && started != nil {
			close(started)
			<-ctx.Done()
			return &llm.Result{Content: content.String()}, ctx.Err()
		}
	}
	return &llm.Result{Content: content.String(), Stats: llm.Stats{Model: "echo", CompletionTokens: len(parts)}}, nil
}

func (p *echoProvider) Generate(ctx context.Context, req *llm.Request) (string, error) {
	return "Echo Chat", nil
}

func (p *echoProvider) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// failAfterFirstDelta makes the next generation fail once its first delta
// was sent.
func (p *echoProvider) failAfterFirstDelta(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfter = err
}

// blockAfterFirstDelta makes the next generation wait for cancellation after
// its first delta. The returned channel closes once that delta was sent.
func (p *echoProvider) blockAfterFirstDelta() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = make(chan struct{})
	return p.started
}

func (p *echoProvider) lastHistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.histLen
}

func (p *echoProvider) lastAttachmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attCount
}

type recordingFactory struct {
	provider *echoProvider

	mu   sync.Mutex
	last llm.Config
}

func (f *recordingFactory) build(ctx context.Context, cfg llm.Config) (llm.Provider, error) {
	f.mu.Lock()
	f.last = cfg
	f.mu.Unlock()
	return f.provider, nil
}

func (f *recordingFactory) lastConfig() llm.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
