package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RequestRecord struct {
	ID             uuid.UUID
	Timestamp      time.Time
	Method         string
	Path           string
	Locale         string
	StatusCode     int
	Success        bool
	ErrorMessage   string
	ResponseTimeMs int
	IsStream       bool
	StreamBytes    int64
}

func InsertRequestJob(r *RequestRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			INSERT INTO requests (
				id, ts, method, path, locale, status_code, success, error_message,
				response_time_ms, is_stream, stream_bytes
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			r.ID, r.Timestamp, r.Method, r.Path, nilIfEmpty(r.Locale),
			r.StatusCode, r.Success, nilIfEmpty(r.ErrorMessage),
			r.ResponseTimeMs, r.IsStream, r.StreamBytes,
		)
		return err
	})
}

// CompleteStreamJob records the duration and size of a stream once the
// proxy has finished forwarding it.
func CompleteStreamJob(requestID uuid.UUID, ts time.Time, responseTimeMs int, streamBytes int64, streamErr string) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			UPDATE requests SET
				response_time_ms = $1,
				stream_bytes = $2,
				error_message = COALESCE($3, error_message),
				success = success AND $3::text IS NULL
			WHERE id = $4 AND ts = $5`,
			responseTimeMs, streamBytes, nilIfEmpty(streamErr), requestID, ts,
		)
		return err
	})
}

func InsertPayloadJob(requestID uuid.UUID, ts time.Time, reqHeaders, respHeaders map[string][]string, reqBody, respBody []byte) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		reqH, _ := json.Marshal(reqHeaders)
		respH, _ := json.Marshal(respHeaders)
		_, err := db.Exec(ctx, `
			INSERT INTO request_payloads (request_id, ts, request_headers, request_body, response_headers, response_body)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			requestID, ts, reqH, nilIfEmptyBytes(reqBody), respH, nilIfEmptyBytes(respBody),
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfEmptyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
