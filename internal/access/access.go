// Package access implements the access-code gate in front of the study
// features and forwards the caller's Google ID token to the study API.
package access

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

const (
	CookieName = "graspy_access_code"
	cookieTTL  = 365 * 24 * time.Hour
)

// Verifier is the part of the study API the gate needs.
type Verifier interface {
	VerifyAccess(ctx context.Context, code string) (bool, error)
	AccessStatus(ctx context.Context) (study.AccessStatus, error)
}

type Gate struct {
	verifier Verifier
	key      []byte
	secure   bool
	log      zerolog.Logger
}

// NewGate returns a gate backed by v. Access cookies are signed with key; an
// empty key is replaced by a random one, so cookies last until restart.
// secure marks the access cookie Secure.
func NewGate(v Verifier, key []byte, secure bool, log zerolog.Logger) *Gate {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("access: read random cookie key: " + err.Error())
		}
	}
	return &Gate{verifier: v, key: key, secure: secure, log: log}
}

// Routes registers the access endpoints on mux.
func (g *Gate) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /access/verify", g.handleVerify)
	mux.HandleFunc("GET /access/status", g.handleStatus)
	mux.HandleFunc("POST /access/logout", g.handleLogout)
}

// Require lets a request through when it carries an access cookie signed by
// this gate or its bearer token belongs to a verified account.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.HasCode(r) {
			next.ServeHTTP(w, r)
			return
		}
		if study.TokenFromContext(r.Context()) != "" {
			status, err := g.verifier.AccessStatus(r.Context())
			if err != nil {
				g.log.Warn().Err(err).Msg("access status check failed")
			}
			if status.IsVerified {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "access code required"})
	})
}

func (g *Gate) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}
	code := strings.TrimSpace(req.Code)

	ok, err := g.verifier.VerifyAccess(r.Context(), code)
	if err != nil {
		g.log.Error().Err(err).Msg("access code verification failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "verification failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    g.sign(code),
		Path:     "/",
		Expires:  time.Now().Add(cookieTTL),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (g *Gate) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := g.verifier.AccessStatus(r.Context())
	if err != nil {
		g.log.Warn().Err(err).Msg("access status check failed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"is_verified": status.IsVerified,
		"has_code":    g.HasCode(r),
	})
}

func (g *Gate) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HasCode reports whether r carries an access cookie signed by g.
func (g *Gate) HasCode(r *http.Request) bool {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	_, ok := g.verify(c.Value)
	return ok
}

// sign returns the cookie value for a verified code: the code, a dot and the
// base64 HMAC-SHA256 of the code.
func (g *Gate) sign(code string) string {
	return code + "." + base64.RawURLEncoding.EncodeToString(g.mac(code))
}

func (g *Gate) verify(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	code := value[:i]
	sig, err := base64.RawURLEncoding.DecodeString(value[i+1:])
	if err != nil || !hmac.Equal(sig, g.mac(code)) {
		return "", false
	}
	return code, true
}

func (g *Gate) mac(code string) []byte {
	m := hmac.New(sha256.New, g.key)
	m.Write([]byte(code))
	return m.Sum(nil)
}

// ForwardToken copies the bearer token of the Authorization header into the
// request context for study API calls made on the caller's behalf.
func ForwardToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearer(r.Header.Get("Authorization")); token != "" {
			r = r.WithContext(study.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
