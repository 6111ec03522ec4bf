// Package processor records the topic-generation streams that pass through
// the gateway. The proxy publishes raw event-stream chunks to JetStream; the
// recorder reassembles them per request, decodes them and stores the result.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tosinamuda/graspy-natlas/internal/jetstream"
	"github.com/tosinamuda/graspy-natlas/internal/storage"
	"github.com/tosinamuda/graspy-natlas/internal/stream"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

const ConsumerName = "graspy-recorder"

// frameOverhead is the "data: " prefix plus the "\n\n" delimiter.
const frameOverhead = 8

// Enqueuer accepts storage jobs; *storage.BatchWriter implements it.
type Enqueuer interface {
	Enqueue(job storage.WriteJob)
}

// Recording is the decoded content of one stream.
type Recording struct {
	Events  []storage.StreamEvent
	Summary storage.TopicStream
}

type pending struct {
	pw *io.PipeWriter
	ts time.Time
}

// Processor handles background recording of proxied streams.
type Processor struct {
	writer Enqueuer
	log    zerolog.Logger

	mu      sync.Mutex
	streams map[string]*pending
	wg      sync.WaitGroup
}

func New(writer Enqueuer, log zerolog.Logger) *Processor {
	return &Processor{
		writer:  writer,
		log:     log,
		streams: make(map[string]*pending),
	}
}

// ProcessStream decodes topic chunks from r until it ends and returns what
// was seen. Malformed frames are skipped and counted.
func (p *Processor) ProcessStream(requestID uuid.UUID, r io.Reader) Recording {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	dec := stream.NewDecoder[json.RawMessage](rc, stream.WithLogger(p.log))

	rec := Recording{Summary: storage.TopicStream{RequestID: requestID}}
	for dec.Next() {
		raw := dec.Message()

		var chunk study.TopicChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			p.log.Debug().Err(err).Str("request_id", requestID.String()).Msg("stream message is not a topic chunk")
		}
		if chunk.ID != "" {
			rec.Summary.TopicID = chunk.ID
		}
		if chunk.Slug != "" {
			rec.Summary.Slug = chunk.Slug
		}
		if chunk.IsComplete {
			rec.Summary.Complete = true
		}
		if chunk.Error != "" {
			rec.Summary.ErrorMessage = chunk.Error
		}

		rec.Events = append(rec.Events, storage.StreamEvent{
			Index:    len(rec.Events) + 1,
			Kind:     chunk.Kind(),
			Data:     append([]byte(nil), raw...),
			RawBytes: len(raw) + frameOverhead,
		})
	}
	if err := dec.Err(); err != nil {
		p.log.Warn().Err(err).Str("request_id", requestID.String()).Msg("stream ended with error")
		if rec.Summary.ErrorMessage == "" {
			rec.Summary.ErrorMessage = err.Error()
		}
	}

	stats := dec.Stats()
	rec.Summary.Messages = stats.Messages
	rec.Summary.SkippedFrames = stats.Skipped
	rec.Summary.StreamBytes = stats.Bytes
	return rec
}

// Record enqueues the storage jobs for a finished recording.
func (p *Processor) Record(rec Recording, ts time.Time) {
	rec.Summary.Timestamp = ts
	if len(rec.Events) > 0 {
		p.writer.Enqueue(storage.InsertStreamEventsJob(rec.Summary.RequestID, ts, rec.Events))
	}
	p.writer.Enqueue(storage.UpsertTopicStreamJob(rec.Summary))

	p.log.Debug().
		Str("request_id", rec.Summary.RequestID.String()).
		Str("topic_id", rec.Summary.TopicID).
		Int("messages", rec.Summary.Messages).
		Int("skipped", rec.Summary.SkippedFrames).
		Bool("complete", rec.Summary.Complete).
		Msg("stream recording complete")
}

// StartConsumer subscribes to teed chunks and records streams until ctx is
// done. Streams still open at that point are closed and recorded as they are.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.Subscribe(jetstream.SubjectPrefix+">", p.handle,
		nats.Durable(ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("subscribe to stream chunks: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("drain recorder subscription")
	}
	p.CloseAll()
	p.wg.Wait()
	return nil
}

func (p *Processor) handle(msg *nats.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			p.log.Debug().Err(err).Str("subject", msg.Subject).Msg("ack failed")
		}
	}()

	id, done, ok := jetstream.ParseSubject(msg.Subject)
	if !ok {
		p.log.Warn().Str("subject", msg.Subject).Msg("unexpected subject")
		return
	}
	if done {
		p.Finish(id, doneTimestamp(msg.Data))
		return
	}
	if err := p.Write(id, msg.Data); err != nil {
		p.log.Debug().Err(err).Str("request_id", id).Msg("dropping chunk")
	}
}

// Write feeds a chunk of request id's stream to its recorder, starting one if
// this is the first chunk.
func (p *Processor) Write(id string, chunk []byte) error {
	p.mu.Lock()
	s, ok := p.streams[id]
	if !ok {
		requestID, err := uuid.Parse(id)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("parse request id: %w", err)
		}
		pr, pw := io.Pipe()
		s = &pending{pw: pw}
		p.streams[id] = s
		p.wg.Add(1)
		go p.run(requestID, pr, s)
	}
	p.mu.Unlock()

	_, err := s.pw.Write(chunk)
	return err
}

// Finish ends request id's stream; ts is the request timestamp it is stored
// under.
func (p *Processor) Finish(id string, ts time.Time) {
	p.mu.Lock()
	s, ok := p.streams[id]
	if ok {
		s.ts = ts
		delete(p.streams, id)
	}
	p.mu.Unlock()

	if !ok {
		p.log.Debug().Str("request_id", id).Msg("done for unknown stream")
		return
	}
	s.pw.Close()
}

// CloseAll ends every open stream.
func (p *Processor) CloseAll() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*pending)
	p.mu.Unlock()

	for _, s := range streams {
		s.pw.Close()
	}
}

func (p *Processor) run(requestID uuid.UUID, pr *io.PipeReader, s *pending) {
	defer p.wg.Done()
	rec := p.ProcessStream(requestID, pr)
	// Drain anything left so writers blocked on the pipe are released.
	io.Copy(io.Discard, pr)

	p.mu.Lock()
	ts := s.ts
	p.mu.Unlock()
	if ts.IsZero() {
		ts = time.Now()
	}
	p.Record(rec, ts)
}

func doneTimestamp(data []byte) time.Time {
	var done struct {
		TS int64 `json:"ts"`
	}
	if err := json.Unmarshal(data, &done); err != nil || done.TS == 0 {
		return time.Time{}
	}
	return time.Unix(0, done.TS)
}
