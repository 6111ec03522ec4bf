package jetstream

import (
	"errors"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "GRASPY"
	SubjectPrefix = "graspy.req."

	doneSuffix = ".done"
)

// EnsureStream creates the work-queue stream that carries teed event-stream
// chunks. An existing stream is left as is.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"graspy.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

func ChunkSubject(requestID string) string {
	return SubjectPrefix + requestID
}

func DoneSubject(requestID string) string {
	return SubjectPrefix + requestID + doneSuffix
}

// ParseSubject splits a chunk or done subject into the request id and
// whether it marks the end of the stream.
func ParseSubject(subject string) (requestID string, done bool, ok bool) {
	rest, found := strings.CutPrefix(subject, SubjectPrefix)
	if !found || rest == "" {
		return "", false, false
	}
	if id, isDone := strings.CutSuffix(rest, doneSuffix); isDone {
		return id, true, id != ""
	}
	if strings.Contains(rest, ".") {
		return "", false, false
	}
	return rest, false, true
}
