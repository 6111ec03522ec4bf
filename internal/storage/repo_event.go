package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StreamEvent is one decoded message of a recorded stream.
type StreamEvent struct {
	Index    int
	Kind     string
	Data     []byte // raw JSON payload
	RawBytes int
}

// TopicStream summarises one recorded topic-generation stream.
type TopicStream struct {
	RequestID     uuid.UUID
	Timestamp     time.Time
	TopicID       string
	Slug          string
	Complete      bool
	ErrorMessage  string
	Messages      int
	SkippedFrames int
	StreamBytes   int64
}

// InsertStreamEventsJob creates a batch insert job for stream events using COPY protocol.
func InsertStreamEventsJob(requestID uuid.UUID, ts time.Time, events []StreamEvent) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		rows := make([][]any, len(events))
		for i, ev := range events {
			rows[i] = []any{
				ts,
				requestID,
				ev.Index,
				ev.Kind,
				string(ev.Data),
				ev.RawBytes,
			}
		}

		_, err := db.CopyFrom(ctx,
			pgx.Identifier{"stream_events"},
			[]string{"ts", "request_id", "event_index", "event_kind", "data_json", "raw_bytes"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}

func UpsertTopicStreamJob(s TopicStream) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			INSERT INTO topic_streams (
				request_id, ts, topic_id, slug, complete, error_message,
				messages, skipped_frames, stream_bytes
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (request_id) DO UPDATE SET
				topic_id = COALESCE(EXCLUDED.topic_id, topic_streams.topic_id),
				slug = COALESCE(EXCLUDED.slug, topic_streams.slug),
				complete = EXCLUDED.complete,
				error_message = EXCLUDED.error_message,
				messages = EXCLUDED.messages,
				skipped_frames = EXCLUDED.skipped_frames,
				stream_bytes = EXCLUDED.stream_bytes`,
			s.RequestID, s.Timestamp, nilIfEmpty(s.TopicID), nilIfEmpty(s.Slug),
			s.Complete, nilIfEmpty(s.ErrorMessage), s.Messages, s.SkippedFrames, s.StreamBytes,
		)
		return err
	})
}
