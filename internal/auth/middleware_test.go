package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestMiddlewareAndCSRF(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 3)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 3)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	router := gin.New()
	group := router.Group("/", svc.Middleware(), svc.CSRFMiddleware())
	handler := func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
	group.POST("/echo", handler)
	group.GET("/echo", handler)

	authCookie := &http.Cookie{Name: svc.AuthCookieName(), Value: token}
	csrfCookie := func(v string) *http.Cookie { return &http.Cookie{Name: svc.CSRFCookieName(), Value: v} }

	cases := []struct {
		name    string
		method  string
		auth    string
		cookies []*http.Cookie
		csrf    string
		want    int
	}{
		{name: "bearer skips csrf", method: http.MethodPost, auth: "Bearer " + token, want: http.StatusOK},
		{name: "lowercase scheme", method: http.MethodPost, auth: "bearer " + token, want: http.StatusOK},
		{name: "bearer wins over cookie", method: http.MethodPost, auth: "Bearer " + token,
			cookies: []*http.Cookie{authCookie, csrfCookie("abc")}, csrf: "xyz", want: http.StatusOK},
		{name: "cookie without csrf", method: http.MethodPost, cookies: []*http.Cookie{authCookie}, want: http.StatusForbidden},
		{name: "cookie with header only", method: http.MethodPost, cookies: []*http.Cookie{authCookie}, csrf: "abc", want: http.StatusForbidden},
		{name: "cookie with mismatched csrf", method: http.MethodPost,
			cookies: []*http.Cookie{authCookie, csrfCookie("abc")}, csrf: "abd", want: http.StatusForbidden},
		{name: "cookie with prefix of csrf", method: http.MethodPost,
			cookies: []*http.Cookie{authCookie, csrfCookie("abc")}, csrf: "ab", want: http.StatusForbidden},
		{name: "cookie with csrf", method: http.MethodPost,
			cookies: []*http.Cookie{authCookie, csrfCookie("abc")}, csrf: "abc", want: http.StatusOK},
		{name: "empty bearer falls back to cookie", method: http.MethodPost, auth: "Bearer ",
			cookies: []*http.Cookie{authCookie}, want: http.StatusForbidden},
		{name: "safe method with cookie", method: http.MethodGet, cookies: []*http.Cookie{authCookie}, want: http.StatusOK},
		{name: "invalid bearer", method: http.MethodPost, auth: "Bearer nope", want: http.StatusUnauthorized},
		{name: "no credentials", method: http.MethodPost, want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/echo", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			for _, ck := range tc.cookies {
				req.AddCookie(ck)
			}
			if tc.csrf != "" {
				req.Header.Set(svc.CSRFHeaderName(), tc.csrf)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCSRFMiddlewareWithoutAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(nil, nil, time.Hour)
	router := gin.New()
	router.POST("/open", svc.CSRFMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/open", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no bearer: expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/open", nil)
	req.Header.Set("Authorization", "Bearer guest-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bearer: expected 204, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":      {"abc", true},
		"  bEaReR   abc ": {"abc", true},
		"Bearer":          {"", false},
		"Bearer   ":       {"", false},
		"Basic abc":       {"", false},
		"":                {"", false},
	}
	for header, want := range cases {
		token, ok := bearerToken(header)
		if token != want.token || ok != want.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", header, token, ok, want.token, want.ok)
		}
	}
}
