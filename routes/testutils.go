package routes

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/txobjmgr"
)

// MakeTestRoutes serves the routes over a test manager. It returns the server
// URL, the components behind it, and a function that shuts everything down.
func MakeTestRoutes(ctx context.Context, t *testing.T) (string, Server, func()) {
	t.Helper()
	stats := objectmgr.NewCountingStats()
	recalls := txobjmgr.NewRecallLog()
	om, _, teardown := objectmgr.TestObjectManager(ctx, t,
		objectmgr.WithStatsListener(stats),
		objectmgr.WithRecaller(recalls),
	)
	s := Server{
		Manager:      om,
		Transactions: txobjmgr.NewManager(om, recalls),
		Collector:    dgc.NewCollector(om),
		Stats:        stats,
	}
	srv := httptest.NewServer(MakeRoutes(s, nil))
	return srv.URL, s, func() {
		srv.Close()
		teardown()
	}
}
