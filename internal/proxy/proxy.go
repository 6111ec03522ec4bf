// Package proxy forwards /api requests to the study API and records them.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tosinamuda/graspy-natlas/internal/config"
	"github.com/tosinamuda/graspy-natlas/internal/jetstream"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/processor"
	"github.com/tosinamuda/graspy-natlas/internal/storage"
	"github.com/tosinamuda/graspy-natlas/internal/stream"
)

const RequestIDHeader = "X-Request-Id"

// Publisher is the part of nats.JetStreamContext the proxy uses.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Handler is the gateway's reverse proxy.
type Handler struct {
	base   *url.URL
	token  string
	client *http.Client
	writer processor.Enqueuer
	pub    Publisher
	log    zerolog.Logger
}

// NewHandler proxies to cfg.StudyAPIURL. A nil pub disables stream teeing.
func NewHandler(cfg *config.Config, writer processor.Enqueuer, pub Publisher, log zerolog.Logger) (*Handler, error) {
	base, err := parseBase(cfg.StudyAPIURL)
	if err != nil {
		return nil, err
	}
	return &Handler{
		base:  base,
		token: cfg.StudyAPIToken,
		client: &http.Client{
			// Topic streams can run for minutes.
			Timeout: 0,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		writer: writer,
		pub:    pub,
		log:    log,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New()
	ts := time.Now()
	w.Header().Set(RequestIDHeader, requestID.String())

	record := &storage.RequestRecord{
		ID:        requestID,
		Timestamp: ts,
		Method:    r.Method,
		Path:      r.URL.Path,
		Locale:    locale.FromContext(r.Context()),
	}

	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			h.log.Error().Err(err).Msg("failed to read request body")
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	}

	target := targetURL(h.base, r.URL.Path, r.URL.RawQuery)
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(reqBody))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to create upstream request")
		http.Error(w, "failed to create upstream request", http.StatusBadGateway)
		return
	}
	upstreamReq.Header = upstreamHeaders(r.Header, h.token)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.log.Error().Err(err).Str("url", target).Msg("upstream request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)

		record.StatusCode = http.StatusBadGateway
		record.ErrorMessage = err.Error()
		record.ResponseTimeMs = int(time.Since(ts).Milliseconds())
		h.writer.Enqueue(storage.InsertRequestJob(record))
		return
	}
	defer resp.Body.Close()

	isStream := isEventStream(resp)
	record.StatusCode = resp.StatusCode
	record.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	record.IsStream = isStream
	record.ResponseTimeMs = int(time.Since(ts).Milliseconds())
	h.writer.Enqueue(storage.InsertRequestJob(record))

	for k, vv := range clientHeaders(resp.Header) {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	if isStream {
		h.handleStream(w, r, resp, requestID, ts, reqBody)
	} else {
		h.handleBody(w, r, resp, requestID, ts, reqBody)
	}

	h.log.Info().
		Str("request_id", requestID.String()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", resp.StatusCode).
		Bool("stream", isStream).
		Dur("duration", time.Since(ts)).
		Msg("proxied request")
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, resp *http.Response, requestID uuid.UUID, ts time.Time, reqBody []byte) {
	h.storePayload(requestID, ts, r, reqBody, resp, nil)

	id := requestID.String()
	subject := jetstream.ChunkSubject(id)
	publishFailed := false
	sink := func(chunk []byte) {
		if h.pub == nil || publishFailed {
			return
		}
		if _, err := h.pub.Publish(subject, chunk); err != nil {
			publishFailed = true
			h.log.Warn().Err(err).Str("request_id", id).Msg("stream tee publish failed")
		}
	}

	tee := stream.NewTee(resp.Body, sink)
	w.WriteHeader(resp.StatusCode)
	_, copyErr := stream.CopyFlush(w, tee, make([]byte, 32*1024))

	var streamErr string
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		streamErr = copyErr.Error()
		h.log.Debug().Err(copyErr).Str("request_id", id).Msg("stream interrupted")
	}

	if h.pub != nil {
		done, _ := json.Marshal(map[string]int64{"ts": ts.UnixNano()})
		if _, err := h.pub.Publish(jetstream.DoneSubject(id), done); err != nil {
			h.log.Warn().Err(err).Str("request_id", id).Msg("stream done publish failed")
		}
	}

	h.writer.Enqueue(storage.CompleteStreamJob(requestID, ts, int(time.Since(ts).Milliseconds()), tee.Bytes(), streamErr))
}

func (h *Handler) handleBody(w http.ResponseWriter, r *http.Request, resp *http.Response, requestID uuid.UUID, ts time.Time, reqBody []byte) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read response body")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	h.storePayload(requestID, ts, r, reqBody, resp, respBody)
}

func (h *Handler) storePayload(requestID uuid.UUID, ts time.Time, req *http.Request, reqBody []byte, resp *http.Response, respBody []byte) {
	h.writer.Enqueue(storage.InsertPayloadJob(requestID, ts, redact(req.Header), redact(resp.Header), reqBody, respBody))
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), stream.MediaType)
}
