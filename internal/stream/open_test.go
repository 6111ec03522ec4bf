package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_DecodesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, MediaType, r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", MediaType)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"a\":1}\n\nda")
		flusher.Flush()
		fmt.Fprint(w, "ta: {\"a\":2}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	d, err := Open[payload](context.Background(), srv.Client(), Request{
		URL:    srv.URL,
		Header: http.Header{"Authorization": []string{"Bearer tok"}},
	})
	require.NoError(t, err)

	var got []payload
	for msg, err := range d.All() {
		require.NoError(t, err)
		got = append(got, msg)
	}
	assert.Equal(t, []payload{{A: 1}, {A: 2}}, got)
}

func TestOpen_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not verified", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := Open[payload](context.Background(), srv.Client(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Nil(t, d)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "not verified", statusErr.Body)
	assert.Contains(t, err.Error(), "403")
}

func TestOpen_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := Open[payload](context.Background(), srv.Client(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrNoBody)
}

func TestOpen_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Open[payload](context.Background(), http.DefaultClient, Request{URL: url})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open stream")
}

func TestOpen_ContextCancelEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaType)
		fmt.Fprint(w, "data: {\"a\":1}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := Open[payload](ctx, srv.Client(), Request{URL: srv.URL})
	require.NoError(t, err)

	require.True(t, d.Next())
	assert.Equal(t, payload{A: 1}, d.Message())

	cancel()
	assert.False(t, d.Next())
	assert.Error(t, d.Err())
	assert.NoError(t, d.Close())
}
