package routes_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/routes"
	"github.com/wkalt/objectserver/txobjmgr"
)

func do(ctx context.Context, t *testing.T, method string, url string, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestTransactionsAndObjects(t *testing.T) {
	ctx := context.Background()
	url, _, finish := routes.MakeTestRoutes(ctx, t)
	defer finish()

	code, body := do(ctx, t, http.MethodPost, url+"/transactions", `{
		"id": "t1",
		"changes": [
			{"id": 1, "version": 1, "new": true, "fields": {"name": "alice"}, "references": [2]},
			{"id": 2, "version": 1, "new": true}
		],
		"roots": {"people": 1}
	}`)
	require.Equal(t, http.StatusOK, code, string(body))
	receipt := txobjmgr.Receipt{}
	require.NoError(t, json.Unmarshal(body, &receipt))
	require.Equal(t, "t1", receipt.TransactionID)
	require.Equal(t, []objectid.ID{1, 2}, receipt.Applied)

	cases := []struct {
		assertion string
		method    string
		path      string
		body      string
		code      int
		expected  string
	}{
		{
			"object",
			http.MethodGet, "/objects/1", "",
			http.StatusOK,
			`{"id":1,"version":1,"references":[2],"fields":{"name":"alice"},
			  "isNew":false,"isDirty":false,"checkoutCount":0,"lastTransaction":"t1"}`,
		},
		{
			"invalid object id",
			http.MethodGet, "/objects/abc", "",
			http.StatusBadRequest,
			"",
		},
		{
			"unknown object",
			http.MethodGet, "/objects/99", "",
			http.StatusNotFound,
			"",
		},
		{
			"root",
			http.MethodGet, "/roots/people", "",
			http.StatusOK,
			`{"name":"people","id":1}`,
		},
		{
			"unknown root",
			http.MethodGet, "/roots/nobody", "",
			http.StatusNotFound,
			"",
		},
		{
			"all roots",
			http.MethodGet, "/roots", "",
			http.StatusOK,
			`{"people":1}`,
		},
		{
			"transaction on a missing object",
			http.MethodPost, "/transactions", `{"changes":[{"id":50,"version":1}]}`,
			http.StatusNotFound,
			"",
		},
		{
			"malformed transaction",
			http.MethodPost, "/transactions", `{"changes":`,
			http.StatusBadRequest,
			"",
		},
		{
			"empty transaction",
			http.MethodPost, "/transactions", `{"changes":[]}`,
			http.StatusBadRequest,
			"",
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := do(ctx, t, c.method, url+c.path, c.body)
			require.Equal(t, c.code, code, string(body))
			if c.expected != "" {
				require.JSONEq(t, c.expected, string(body))
			}
		})
	}
}

func TestAdministration(t *testing.T) {
	ctx := context.Background()
	url, s, finish := routes.MakeTestRoutes(ctx, t)
	defer finish()
	require.NoError(t, s.Manager.CreateNewObjects(ctx, objectid.NewSet(1, 2, 3)))
	require.NoError(t, s.Manager.CreateRoot(ctx, "r", 1))

	t.Run("checkpoint", func(t *testing.T) {
		code, body := do(ctx, t, http.MethodPost, url+"/checkpoint", "")
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, `{"written":3}`, string(body))
	})
	t.Run("evict", func(t *testing.T) {
		code, body := do(ctx, t, http.MethodPost, url+"/evict", `{"keep":1}`)
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, `{"evicted":[1,2]}`, string(body))
		code, _ = do(ctx, t, http.MethodPost, url+"/evict", `{"keep":-1}`)
		require.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("stats", func(t *testing.T) {
		code, body := do(ctx, t, http.MethodGet, url+"/stats", "")
		require.Equal(t, http.StatusOK, code)
		resp := routes.StatsResponse{}
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Equal(t, 1, resp.Status.Resident)
		require.Equal(t, "idle", resp.Status.GCPhase)
		require.Equal(t, "lru", resp.Status.Policy)
		require.NotNil(t, resp.Cache)
		require.Equal(t, int64(3), resp.Cache.Created)
		require.Equal(t, int64(3), resp.Cache.Flushed)
	})
	t.Run("gc", func(t *testing.T) {
		code, body := do(ctx, t, http.MethodPost, url+"/gc", "")
		require.Equal(t, http.StatusOK, code, string(body))
		result := dgc.Result{}
		require.NoError(t, json.Unmarshal(body, &result))
		require.Equal(t, 1, result.Live)
		require.Equal(t, 2, result.Garbage)
		require.Equal(t, 2, result.Deleted)

		code, body = do(ctx, t, http.MethodGet, url+"/gc", "")
		require.Equal(t, http.StatusOK, code)
		history := []dgc.Result{}
		require.NoError(t, json.Unmarshal(body, &history))
		require.Len(t, history, 1)
	})
	t.Run("gc conflicts with a held pause", func(t *testing.T) {
		require.NoError(t, s.Manager.RequestGCPauseAll(ctx))
		defer func() {
			require.NoError(t, s.Manager.CancelGCPause(ctx))
		}()
		code, _ := do(ctx, t, http.MethodPost, url+"/gc", "")
		require.Equal(t, http.StatusConflict, code)
	})
}
