package mw_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	glog "log"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/util/log"
	"github.com/wkalt/objectserver/util/mw"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	glog.SetOutput(buf)
	t.Cleanup(func() {
		glog.SetOutput(os.Stderr)
	})
	return buf
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	buf := captureLogs(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof(r.Context(), "test")
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	mw.WithRequestID(handler).ServeHTTP(recorder, req)
	require.Contains(t, buf.String(), "request_id")
}

func TestWithRequestLogging(t *testing.T) {
	ctx := context.Background()
	buf := captureLogs(t)
	previous := slog.SetLogLoggerLevel(slog.LevelDebug)
	defer slog.SetLogLoggerLevel(previous)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/objects/1", nil)
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	mw.WithRequestLogging(handler).ServeHTTP(recorder, req)
	require.Equal(t, http.StatusTeapot, recorder.Code)
	require.Contains(t, buf.String(), "path=/objects/1")
	require.Contains(t, buf.String(), "status=418")
}

func TestWithCORSAllowedOrigins(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		assertion string
		method    string
		origin    string
		allowed   string
		reached   bool
	}{
		{"allowed origin", http.MethodGet, "http://localhost:5173", "http://localhost:5173", true},
		{"unknown origin", http.MethodGet, "http://evil.example", "", true},
		{"preflight", http.MethodOptions, "http://localhost:5173", "http://localhost:5173", false},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			reached := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
			})
			req, err := http.NewRequestWithContext(ctx, c.method, "/", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", c.origin)
			recorder := httptest.NewRecorder()
			mw.WithCORSAllowedOrigins([]string{"http://localhost:5173"})(handler).ServeHTTP(recorder, req)
			require.Equal(t, c.allowed, recorder.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, c.reached, reached)
		})
	}
}
