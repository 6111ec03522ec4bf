package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tosinamuda/graspy-natlas/internal/config"
	"github.com/tosinamuda/graspy-natlas/internal/jetstream"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/storage"
)

type published struct {
	subject string
	data    string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.msgs = append(p.msgs, published{subject: subj, data: string(data)})
	return &nats.PubAck{Stream: jetstream.StreamName}, nil
}

type jobCounter struct {
	mu   sync.Mutex
	jobs []storage.WriteJob
}

func (c *jobCounter) Enqueue(job storage.WriteJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
}

func (c *jobCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func newTestHandler(t *testing.T, upstream string, pub Publisher) (http.Handler, *jobCounter) {
	t.Helper()
	jobs := &jobCounter{}
	h, err := NewHandler(&config.Config{StudyAPIURL: upstream, StudyAPIToken: "svc-token"}, jobs, pub, zerolog.Nop())
	require.NoError(t, err)
	return locale.Middleware(h), jobs
}

func TestHandler_Body(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"s1","name":"Biology"}]`))
	}))
	defer upstream.Close()

	h, jobs := newTestHandler(t, upstream.URL, &fakePublisher{})

	req := httptest.NewRequest(http.MethodGet, "/api/subjects?lang=yo", nil)
	req.Header.Set("Accept-Language", "yo-NG")
	req.Header.Set("Cookie", "graspy_access_code=secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"s1","name":"Biology"}]`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	require.NotNil(t, got)
	assert.Equal(t, "/api/subjects", got.URL.Path)
	assert.Equal(t, "lang=yo", got.URL.RawQuery)
	assert.Equal(t, "Bearer svc-token", got.Header.Get("Authorization"))
	assert.Equal(t, "yo", got.Header.Get(locale.HeaderName))
	assert.Empty(t, got.Header.Get("Cookie"))

	// request row and payload row
	assert.Equal(t, 2, jobs.count())
}

func TestHandler_KeepsCallerAuthorization(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL+"/api", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/study/explain", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer user-token")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "Bearer user-token", auth)
}

func TestHandler_Stream(t *testing.T) {
	frames := []string{
		"data: {\"id\":\"t1\",\"title\":\"Cells\"}\n\n",
		"data: {\"id\":\"t1\",\"is_complete\":true}\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Content-Encoding", "identity")
		for _, f := range frames {
			io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	pub := &fakePublisher{}
	h, jobs := newTestHandler(t, upstream.URL, pub)

	req := httptest.NewRequest(http.MethodGet, "/api/study/topics/stream?title=Cells", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := strings.Join(frames, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))

	id := rec.Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.GreaterOrEqual(t, len(pub.msgs), 2)

	var teed strings.Builder
	for _, m := range pub.msgs[:len(pub.msgs)-1] {
		assert.Equal(t, jetstream.ChunkSubject(id), m.subject)
		teed.WriteString(m.data)
	}
	assert.Equal(t, body, teed.String())

	last := pub.msgs[len(pub.msgs)-1]
	assert.Equal(t, jetstream.DoneSubject(id), last.subject)
	var done struct {
		TS int64 `json:"ts"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &done))
	assert.NotZero(t, done.TS)

	// request row, payload row, stream completion
	assert.Equal(t, 3, jobs.count())
}

func TestHandler_StreamWithoutPublisher(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {}\n\n")
	}))
	defer upstream.Close()

	h, jobs := newTestHandler(t, upstream.URL, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/study/topics/stream", nil))

	assert.Equal(t, "data: {}\n\n", rec.Body.String())
	assert.Equal(t, 3, jobs.count())
}

func TestHandler_PublishFailureDoesNotBreakStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"a\"}\n\n")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, &fakePublisher{err: fmt.Errorf("no responders")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/study/topics/stream", nil))

	assert.Equal(t, "data: {\"id\":\"a\"}\n\n", rec.Body.String())
}

func TestHandler_UpstreamStatusPassedThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Topic not found"}`, http.StatusNotFound)
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/study/topics/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Topic not found")
}

func TestHandler_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	h, jobs := newTestHandler(t, addr, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subjects", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, jobs.count())
}

func TestNewHandler_InvalidURL(t *testing.T) {
	_, err := NewHandler(&config.Config{StudyAPIURL: "localhost"}, &jobCounter{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		base, path, query, want string
	}{
		{"http://api:8000", "/api/subjects", "", "http://api:8000/api/subjects"},
		{"http://api:8000/", "/api/subjects", "a=1", "http://api:8000/api/subjects?a=1"},
		{"http://api:8000/api", "/api/subjects", "", "http://api:8000/api/subjects"},
		{"https://host/prefix/api/", "/api/x", "", "https://host/prefix/api/x"},
	}
	for _, tt := range tests {
		base, err := url.Parse(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, targetURL(base, tt.path, tt.query), tt.base)
	}
}

func TestHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "keep-alive, X-Trace")
	in.Set("X-Trace", "1")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Authorization", "Bearer x")
	in.Set("X-Locale", "ha")

	up := upstreamHeaders(in, "svc")
	assert.Empty(t, up.Get("X-Trace"))
	assert.Empty(t, up.Get("Keep-Alive"))
	assert.Equal(t, "Bearer x", up.Get("Authorization"))
	assert.Equal(t, "ha", up.Get("X-Locale"))
	assert.Equal(t, "keep-alive, X-Trace", in.Get("Connection"), "input is not modified")

	stored := redact(in)
	assert.Equal(t, []string{"[REDACTED]"}, stored["Authorization"])
	assert.Equal(t, []string{"ha"}, stored["X-Locale"])
}
