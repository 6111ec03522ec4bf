package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MediaType is the content type of an event stream.
const MediaType = "text/event-stream"

// Request describes the HTTP request that establishes a stream.
type Request struct {
	Method string // defaults to GET
	URL    string
	Header http.Header
	Body   io.Reader
}

// Open issues req and returns a decoder over the response body. A transport
// failure, a non-success status, or an empty body is reported here, before
// any message is read, and the response body is closed.
func Open[T any](ctx context.Context, client *http.Client, req Request, opts ...Option) (*Decoder[T], error) {
	if client == nil {
		client = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", MediaType)
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, ErrNoBody
	}

	return NewDecoder[T](resp.Body, opts...), nil
}
