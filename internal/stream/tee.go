package stream

import (
	"io"
)

// Tee forwards an event-stream body to a client while handing every chunk it
// reads to a sink. The proxy uses it to pass upstream bytes through
// unchanged and publish the same chunks for recording.
type Tee struct {
	body  io.ReadCloser
	sink  func([]byte)
	bytes int64
	reads int
}

// NewTee wraps body. sink receives each non-empty chunk after it is read and
// must not retain the slice.
func NewTee(body io.ReadCloser, sink func([]byte)) *Tee {
	return &Tee{body: body, sink: sink}
}

func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.bytes += int64(n)
		t.reads++
		if t.sink != nil {
			t.sink(p[:n])
		}
	}
	return n, err
}

func (t *Tee) Close() error {
	return t.body.Close()
}

// Bytes returns the number of bytes read so far.
func (t *Tee) Bytes() int64 { return t.bytes }

// Chunks returns the number of non-empty reads so far.
func (t *Tee) Chunks() int { return t.reads }

// CopyFlush copies src to w, flushing after every write when w supports it,
// so the client sees frames as soon as they arrive.
func CopyFlush(w io.Writer, src io.Reader, buf []byte) (int64, error) {
	flusher, canFlush := w.(interface{ Flush() })
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
