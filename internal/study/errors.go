package study

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("study: not found")
	ErrAuthRequired = errors.New("study: authentication required")
)

// APIError is a non-success response from the study API.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// Is reports a 404 as ErrNotFound and a 401 as ErrAuthRequired.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrAuthRequired:
		return e.StatusCode == 401
	}
	return false
}

// detail extracts FastAPI's {"detail": ...} message, falling back to the raw
// body text.
func detail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Detail) > 0 {
		var s string
		if err := json.Unmarshal(parsed.Detail, &s); err == nil {
			return s
		}
		return string(parsed.Detail)
	}
	return strings.TrimSpace(string(body))
}
