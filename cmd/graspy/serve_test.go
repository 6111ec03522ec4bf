package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tosinamuda/graspy-natlas/internal/access"
	"github.com/tosinamuda/graspy-natlas/internal/chat"
	"github.com/tosinamuda/graspy-natlas/internal/config"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

type stubVerifier struct{ verified bool }

func (v stubVerifier) VerifyAccess(ctx context.Context, code string) (bool, error) {
	return code == "OPEN", nil
}

func (v stubVerifier) AccessStatus(ctx context.Context) (study.AccessStatus, error) {
	return study.AccessStatus{IsVerified: v.verified}, nil
}

func newTestRouter(ready func() error) (http.Handler, *string) {
	var apiPath string
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiPath = r.URL.Path + "|" + r.Header.Get(locale.HeaderName)
		w.WriteHeader(http.StatusTeapot)
	})
	gate := access.NewGate(stubVerifier{}, []byte("router-test-key"), false, zerolog.Nop())
	chats := chat.NewStore(echoBackend{})
	return newRouter(api, gate, chats, ready), &apiPath
}

func TestRouter_API(t *testing.T) {
	h, apiPath := newTestRouter(func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/api/subjects", nil)
	req.AddCookie(&http.Cookie{Name: locale.CookieName, Value: "ig"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/api/subjects|ig", *apiPath)
	assert.Equal(t, "ig", rec.Header().Get(locale.HeaderName))
}

func TestRouter_Healthz(t *testing.T) {
	h, _ := newTestRouter(func() error { return nil })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h, _ = newTestRouter(func() error { return errors.New("nats server not ready") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_ChatIsGated(t *testing.T) {
	h, _ := newTestRouter(func() error { return nil })
	body := `{"topic_id":"t1","topic_name":"Cells"}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	forged := httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body))
	forged.AddCookie(&http.Cookie{Name: access.CookieName, Value: "forged-never-verified"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, forged)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	verify := httptest.NewRecorder()
	h.ServeHTTP(verify, httptest.NewRequest(http.MethodPost, "/access/verify", strings.NewReader(`{"code":"OPEN"}`)))
	require.Equal(t, http.StatusOK, verify.Code)
	cookies := verify.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(body))
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestServeCmd_PortFlagIsValidated(t *testing.T) {
	cmd := newServeCmd(&config.Config{Port: 8090, StudyAPIURL: "http://localhost:8000"})
	cmd.SetArgs([]string{"--port", "99999"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT 99999 out of range")
}
