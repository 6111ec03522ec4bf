// Package locale picks the interface locale for a request and maps it to
// the language ids the study API understands.
package locale

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
)

const (
	Fallback   = "en"
	CookieName = "i18next"
	HeaderName = "x-locale"
)

// Supported lists the interface locales, fallback first.
var Supported = []string{"en", "yo", "ig", "ha", "pcm"}

var languageIDs = map[string]string{
	"en":  "english",
	"yo":  "yoruba",
	"ig":  "igbo",
	"ha":  "hausa",
	"pcm": "pidgin",
}

var matcher = func() language.Matcher {
	tags := make([]language.Tag, len(Supported))
	for i, s := range Supported {
		tags[i] = language.Make(s)
	}
	return language.NewMatcher(tags)
}()

// IsSupported reports whether loc is one of the supported locales.
func IsSupported(loc string) bool {
	_, ok := languageIDs[loc]
	return ok
}

// Negotiate resolves the locale from a cookie value and an Accept-Language
// header. A supported cookie wins; otherwise the best header match with at
// least low confidence; otherwise Fallback.
func Negotiate(cookie, acceptLanguage string) string {
	if IsSupported(cookie) {
		return cookie
	}
	if acceptLanguage == "" {
		return Fallback
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Fallback
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return Fallback
	}
	return Supported[index]
}

// LanguageID maps a locale to the API language id, defaulting to english.
func LanguageID(loc string) string {
	if id, ok := languageIDs[loc]; ok {
		return id
	}
	return languageIDs[Fallback]
}

type ctxKey struct{}

// FromContext returns the locale stored by Middleware, or Fallback.
func FromContext(ctx context.Context) string {
	if loc, ok := ctx.Value(ctxKey{}).(string); ok {
		return loc
	}
	return Fallback
}

// NewContext stores loc in ctx.
func NewContext(ctx context.Context, loc string) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// FromRequest negotiates the locale of r.
func FromRequest(r *http.Request) string {
	var cookie string
	if c, err := r.Cookie(CookieName); err == nil {
		cookie = c.Value
	}
	return Negotiate(cookie, r.Header.Get("Accept-Language"))
}

// Middleware negotiates the locale, exposes it in the x-locale response and
// request headers, and stores it in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := FromRequest(r)
		w.Header().Set(HeaderName, loc)
		r.Header.Set(HeaderName, loc)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), loc)))
	})
}
