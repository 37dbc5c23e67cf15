package routes

import (
	"net/http"

	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/util/httputil"
)

// StatsResponse is the response body of the stats endpoint.
type StatsResponse struct {
	Status objectmgr.Status         `json:"status"`
	Cache  *objectmgr.StatsSnapshot `json:"cache,omitempty"`
}

func newStatsHandler(om *objectmgr.ObjectManager, stats *objectmgr.CountingStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{Status: om.Status()}
		if stats != nil {
			snapshot := stats.Snapshot()
			resp.Cache = &snapshot
		}
		httputil.JSON(r.Context(), w, resp)
	}
}
