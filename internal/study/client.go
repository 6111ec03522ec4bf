// Package study is a client for the remote study API: subjects, topics,
// streamed topic generation, chat sessions and the access-code gate.
package study

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tosinamuda/graspy-natlas/internal/stream"
)

// TokenSource supplies the bearer token (a Google ID token) for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type tokenKey struct{}

// WithToken attaches a bearer token to ctx. It takes precedence over the
// client's TokenSource, which lets the gateway act on behalf of the caller.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the token attached with WithToken.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

type auth int

const (
	authNone auth = iota
	authOptional
	authRequired
)

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient returns a client for the API served at apiURL. The "/api" prefix
// is appended unless apiURL already ends with it.
func NewClient(apiURL string, opts ...ClientOption) *Client {
	base := strings.TrimRight(apiURL, "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	c := &Client{
		baseURL: base,
		http:    http.DefaultClient,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Subjects(ctx context.Context, featured bool) ([]Subject, error) {
	q := url.Values{"featured": {fmt.Sprint(featured)}}
	var out subjectList
	if err := c.do(ctx, "fetch subjects", http.MethodGet, "/subjects", q, nil, &out, authNone); err != nil {
		return nil, err
	}
	return out.Subjects, nil
}

func (c *Client) Subject(ctx context.Context, slug string) (*Subject, error) {
	var out Subject
	if err := c.do(ctx, "fetch subject", http.MethodGet, "/subjects/"+url.PathEscape(slug), nil, nil, &out, authNone); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Topic(ctx context.Context, id, language string) (*Topic, error) {
	q := url.Values{"language": {orDefault(language)}}
	var out Topic
	if err := c.do(ctx, "fetch topic", http.MethodGet, "/study/topics/"+url.PathEscape(id), q, nil, &out, authNone); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateTopic(ctx context.Context, req CreateTopicRequest) (*Topic, error) {
	req.Language = orDefault(req.Language)
	var out Topic
	if err := c.do(ctx, "create topic", http.MethodPost, "/study/topics", nil, req, &out, authRequired); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamTopic starts streamed topic generation. The caller owns the returned
// decoder and must drain or Close it.
func (c *Client) StreamTopic(ctx context.Context, p StreamTopicParams) (*stream.Decoder[TopicChunk], error) {
	token, err := c.token(ctx, authRequired)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"topic":    {p.Topic},
		"language": {orDefault(p.Language)},
	}
	if p.SubjectID != "" {
		q.Set("subject_id", p.SubjectID)
	}
	if p.Context != "" {
		q.Set("context", p.Context)
	}

	return stream.Open[TopicChunk](ctx, c.http, stream.Request{
		URL:    c.baseURL + "/study/topics/stream?" + q.Encode(),
		Header: http.Header{"Authorization": {"Bearer " + token}},
	}, stream.WithLogger(c.log))
}

func (c *Client) Explain(ctx context.Context, req ExplainRequest) (*Explanation, error) {
	req.Language = orDefault(req.Language)
	var out Explanation
	if err := c.do(ctx, "explain topic", http.MethodPost, "/study/explain", nil, req, &out, authRequired); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartChat(ctx context.Context, req StartChatRequest) (*ChatSession, error) {
	var out ChatSession
	if err := c.do(ctx, "start chat session", http.MethodPost, "/study/chat/start", nil, req, &out, authRequired); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendChat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	req.Language = orDefault(req.Language)
	var out ChatReply
	if err := c.do(ctx, "send chat message", http.MethodPost, "/study/chat", nil, req, &out, authRequired); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAccess checks an access code. With a token the code also activates
// the caller's account. A rejected code is reported as false, not an error.
func (c *Client) VerifyAccess(ctx context.Context, code string) (bool, error) {
	token, err := c.token(ctx, authOptional)
	if err != nil {
		return false, err
	}
	path := "/access/verify"
	if token != "" {
		path = "/access/activate"
	}

	var out accessResult
	err = c.do(ctx, "verify access code", http.MethodPost, path, nil, accessCode{Code: code}, &out, authOptional)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

// AccessStatus reports whether the caller's account has been activated.
// Anonymous callers and failed lookups are reported as not verified.
func (c *Client) AccessStatus(ctx context.Context) (AccessStatus, error) {
	token, err := c.token(ctx, authOptional)
	if err != nil || token == "" {
		return AccessStatus{}, err
	}
	var out AccessStatus
	if err := c.do(ctx, "access status", http.MethodGet, "/access/status", nil, nil, &out, authOptional); err != nil {
		c.log.Debug().Err(err).Msg("access status lookup failed")
		return AccessStatus{}, nil
	}
	return out, nil
}

func (c *Client) token(ctx context.Context, mode auth) (string, error) {
	if mode == authNone {
		return "", nil
	}
	token := TokenFromContext(ctx)
	if token == "" && c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return "", fmt.Errorf("get token: %w", err)
		}
	}
	if token == "" && mode == authRequired {
		return "", ErrAuthRequired
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any, mode auth) error {
	token, err := c.token(ctx, mode)
	if err != nil {
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().
			Str("op", op).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("study api request failed")
		return &APIError{Op: op, StatusCode: resp.StatusCode, Detail: detail(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func orDefault(language string) string {
	if language == "" {
		return DefaultLanguage
	}
	return language
}
