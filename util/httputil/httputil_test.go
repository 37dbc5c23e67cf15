package httputil_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/util/httputil"
)

type detailedError struct{}

func (detailedError) Error() string  { return "short" }
func (detailedError) Detail() string { return "longer explanation" }

func TestErrorResponses(t *testing.T) {
	cases := []struct {
		assertion string
		respond   func(ctx context.Context, w http.ResponseWriter)
		code      int
		body      string
	}{
		{
			"bad request",
			func(ctx context.Context, w http.ResponseWriter) { httputil.BadRequest(ctx, w, "bad %s", "id") },
			http.StatusBadRequest,
			`{"error":"bad id"}`,
		},
		{
			"not found",
			func(ctx context.Context, w http.ResponseWriter) { httputil.NotFound(ctx, w, "no object %d", 4) },
			http.StatusNotFound,
			`{"error":"no object 4"}`,
		},
		{
			"conflict",
			func(ctx context.Context, w http.ResponseWriter) { httputil.Conflict(ctx, w, "busy") },
			http.StatusConflict,
			`{"error":"busy"}`,
		},
		{
			"service unavailable",
			func(ctx context.Context, w http.ResponseWriter) { httputil.ServiceUnavailable(ctx, w, "stopping") },
			http.StatusServiceUnavailable,
			`{"error":"stopping"}`,
		},
		{
			"internal server error hides the cause",
			func(ctx context.Context, w http.ResponseWriter) { httputil.InternalServerError(ctx, w, "disk on fire") },
			http.StatusInternalServerError,
			`{"error":"internal server error"}`,
		},
		{
			"details are included",
			func(ctx context.Context, w http.ResponseWriter) { httputil.BadRequest(ctx, w, "%w", detailedError{}) },
			http.StatusBadRequest,
			`{"error":"short","detail":"longer explanation"}`,
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
			recorder := httptest.NewRecorder()
			c.respond(req.Context(), recorder)
			require.Equal(t, c.code, recorder.Code)
			require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
			require.JSONEq(t, c.body, recorder.Body.String())
		})
	}
}

func TestJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	httputil.JSON(context.Background(), recorder, map[string]int{"a": 1})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"a":1}`, recorder.Body.String())
}
