package routes

import (
	"net/http"

	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/util/httputil"
)

func newCollectHandler(collector *dgc.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		result, err := collector.Collect(ctx)
		if err != nil {
			respondError(ctx, w, "garbage collection failed", err)
			return
		}
		httputil.JSON(ctx, w, result)
	}
}

func newCollectHistoryHandler(collector *dgc.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(r.Context(), w, collector.History())
	}
}
