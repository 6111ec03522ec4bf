// Package stream decodes Server-Sent-Event response bodies into typed
// messages.
//
// A body is consumed chunk by chunk. Each chunk goes through a stateful UTF-8
// transformer, is appended to a text buffer, and every complete frame (text
// terminated by a blank line) is cut from the front of the buffer. A frame
// that starts with "data: " has the rest of its text decoded as JSON into the
// message type; other frames are counted and ignored. Frames that fail to
// decode are logged and skipped; the stream keeps going.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	defaultChunkSize    = 32 * 1024
	defaultMaxFrameSize = 1024 * 1024
)

var (
	frameDelimiter = []byte("\n\n")
	dataPrefix     = []byte("data: ")
)

// Stats counts what a decoder has seen so far.
type Stats struct {
	Bytes    int64 // raw bytes read from the body
	Frames   int   // complete frames cut from the buffer
	Messages int   // frames decoded into a message
	Skipped  int   // data frames whose payload failed to decode
}

type options struct {
	chunkSize    int
	maxFrameSize int
	logger       zerolog.Logger
}

// Option configures a Decoder.
type Option func(*options)

// WithChunkSize sets how many bytes are requested from the body per read.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithMaxFrameSize bounds the text buffered while waiting for a delimiter.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithLogger sets the logger that receives skipped-frame reports.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Decoder yields one message of type T per complete data frame, in arrival
// order. It is driven by a single consumer: call Next until it returns false,
// then check Err. Close must not be called concurrently with Next; cancel the
// request context to interrupt a blocked read from another goroutine.
type Decoder[T any] struct {
	body io.ReadCloser
	src  io.Reader

	chunk   []byte
	buf     []byte
	pending []T
	msg     T

	maxFrameSize int
	log          zerolog.Logger
	stats        Stats

	err    error
	done   bool
	closed bool
}

// NewDecoder returns a decoder reading from body. The decoder owns body and
// closes it when the stream ends, fails, or Close is called.
func NewDecoder[T any](body io.ReadCloser, opts ...Option) *Decoder[T] {
	o := options{
		chunkSize:    defaultChunkSize,
		maxFrameSize: defaultMaxFrameSize,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Decoder[T]{
		body:         body,
		chunk:        make([]byte, o.chunkSize),
		maxFrameSize: o.maxFrameSize,
		log:          o.logger,
	}
	counted := &countingReader{r: body, n: &d.stats.Bytes}
	d.src = transform.NewReader(counted, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return d
}

// Next advances to the next message, reading from the body as needed. It
// returns false once the stream has ended or failed.
func (d *Decoder[T]) Next() bool {
	for {
		if len(d.pending) > 0 {
			var zero T
			d.msg = d.pending[0]
			d.pending[0] = zero
			d.pending = d.pending[1:]
			return true
		}
		if d.done {
			return false
		}

		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			d.scan()
			if len(d.buf) > d.maxFrameSize {
				d.finish(ErrFrameTooLarge)
				continue
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			d.scan()
			if len(d.buf) > 0 {
				d.log.Debug().Int("bytes", len(d.buf)).Msg("dropping unterminated trailing frame")
			}
			d.finish(nil)
			continue
		}
		d.finish(fmt.Errorf("read stream: %w", err))
	}
}

// Message returns the message produced by the last successful call to Next.
func (d *Decoder[T]) Message() T {
	return d.msg
}

// Err returns the error that ended the stream, or nil if it ended cleanly.
func (d *Decoder[T]) Err() error {
	return d.err
}

// Stats returns counters for the stream so far.
func (d *Decoder[T]) Stats() Stats {
	return d.stats
}

// Close releases the body. It is safe to call more than once; only the first
// call closes the body. Messages not yet returned by Next are discarded.
func (d *Decoder[T]) Close() error {
	d.done = true
	d.pending = nil
	return d.release()
}

func (d *Decoder[T]) release() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.buf = nil
	return d.body.Close()
}

// All returns the remaining messages as a sequence. The body is released when
// the sequence ends, including when the caller stops early. A terminal error
// is yielded as the final pair.
func (d *Decoder[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer d.Close()
		for d.Next() {
			if !yield(d.msg, nil) {
				return
			}
		}
		if err := d.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// scan cuts every complete frame from the front of the buffer.
func (d *Decoder[T]) scan() {
	consumed := 0
	for {
		i := bytes.Index(d.buf[consumed:], frameDelimiter)
		if i < 0 {
			break
		}
		d.decodeFrame(d.buf[consumed : consumed+i])
		consumed += i + len(frameDelimiter)
	}
	if consumed > 0 {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
	}
}

func (d *Decoder[T]) decodeFrame(frame []byte) {
	d.stats.Frames++

	payload, ok := dataLine(frame)
	if !ok {
		return
	}

	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.stats.Skipped++
		d.log.Warn().
			Err(err).
			Int("frame", d.stats.Frames).
			Str("data", preview(payload)).
			Msg("skipping malformed stream frame")
		return
	}
	d.stats.Messages++
	d.pending = append(d.pending, msg)
}

func (d *Decoder[T]) finish(err error) {
	d.err = err
	d.done = true
	if cerr := d.release(); cerr != nil {
		d.log.Debug().Err(cerr).Msg("close stream body")
	}
}

// dataLine returns the payload of a frame that starts with "data: ": the
// rest of the frame, including any further lines. Frames that start with
// anything else (comments, event or id fields) carry no message.
func dataLine(frame []byte) ([]byte, bool) {
	if !bytes.HasPrefix(frame, dataPrefix) {
		return nil, false
	}
	return frame[len(dataPrefix):], true
}

func preview(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}
