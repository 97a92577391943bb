package taskqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMemoryWriter struct{ called bool }

func (f *fakeMemoryWriter) HandleTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	f.called = true
	return json.RawMessage(`{"ok":true}`), nil
}

func TestDispatchRoutesMemoryWriteToHandler(t *testing.T) {
	mw := &fakeMemoryWriter{}
	d := NewDispatcher(nil, nil, time.Second, mw, nil, nil, nil)
	result, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionMemoryWrite, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.True(t, mw.called)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestDispatchRejectsActionOutsideAllowlist(t *testing.T) {
	d := NewDispatcher([]string{"memory_write"}, nil, time.Second, &fakeMemoryWriter{}, nil, nil, nil)
	_, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionProviderChat})
	require.Error(t, err)
}

func TestDispatchFailsActionWithNoConfiguredHandler(t *testing.T) {
	d := NewDispatcher(nil, nil, time.Second, nil, nil, nil, nil)
	_, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionMemoryWrite})
	require.Error(t, err)
}

func TestDispatchHTTPCallbackRejectsHostOutsideAllowlist(t *testing.T) {
	d := NewDispatcher(nil, []string{"allowed.example.com"}, time.Second, nil, nil, nil, nil)
	payload, _ := json.Marshal(httpCallbackPayload{Method: "GET", URL: "https://evil.example.com/steal"})
	_, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionHTTPCallback, Payload: payload})
	require.Error(t, err)
}

func TestDispatchHTTPCallbackRejectsNonHTTPScheme(t *testing.T) {
	d := NewDispatcher(nil, nil, time.Second, nil, nil, nil, nil)
	payload, _ := json.Marshal(httpCallbackPayload{Method: "GET", URL: "file:///etc/passwd"})
	_, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionHTTPCallback, Payload: payload})
	require.Error(t, err)
}

func TestDispatchHTTPCallbackSucceedsForAllowedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d := NewDispatcher(nil, []string{"127.0.0.1"}, time.Second, nil, nil, nil, nil)
	payload, _ := json.Marshal(httpCallbackPayload{Method: "GET", URL: srv.URL})
	result, err := d.Dispatch(context.Background(), TaskRow{ActionType: ActionHTTPCallback, Payload: payload})
	require.NoError(t, err)
	require.Contains(t, string(result), "hello")
}
