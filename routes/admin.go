package routes

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/util/httputil"
	"github.com/wkalt/objectserver/util/log"
)

// EvictRequest is the request body for the evict endpoint.
type EvictRequest struct {
	Keep int `json:"keep"`
}

func (req EvictRequest) validate() error {
	if req.Keep < 0 {
		return errors.New("keep must be nonnegative")
	}
	return nil
}

// EvictResponse is the response body of the evict endpoint.
type EvictResponse struct {
	Evicted []objectid.ID `json:"evicted"`
}

func newEvictHandler(om *objectmgr.ObjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := EvictRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		if err := req.validate(); err != nil {
			httputil.BadRequest(ctx, w, "invalid request: %s", err)
			return
		}
		log.Infow(ctx, "evict request", "keep", req.Keep)
		evicted, err := om.EvictCache(ctx, objectmgr.KeepResident(req.Keep))
		if err != nil {
			respondError(ctx, w, "failed to evict", err)
			return
		}
		if evicted == nil {
			evicted = []objectid.ID{}
		}
		httputil.JSON(ctx, w, EvictResponse{Evicted: evicted})
	}
}

// CheckpointResponse is the response body of the checkpoint endpoint.
type CheckpointResponse struct {
	Written int `json:"written"`
}

func newCheckpointHandler(om *objectmgr.ObjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		n, err := om.Checkpoint(ctx)
		if err != nil {
			respondError(ctx, w, "failed to checkpoint", err)
			return
		}
		httputil.JSON(ctx, w, CheckpointResponse{Written: n})
	}
}
