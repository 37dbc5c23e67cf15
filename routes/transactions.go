package routes

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/wkalt/objectserver/txobjmgr"
	"github.com/wkalt/objectserver/util/httputil"
	"github.com/wkalt/objectserver/util/log"
)

func newTransactionHandler(txm *txobjmgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tx := txobjmgr.Transaction{}
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			httputil.BadRequest(ctx, w, "error decoding request: %s", err)
			return
		}
		defer r.Body.Close()
		if len(tx.Changes) == 0 && len(tx.Roots) == 0 {
			httputil.BadRequest(ctx, w, "transaction has no changes")
			return
		}
		log.Infow(ctx, "transaction request", "id", tx.ID, "changes", len(tx.Changes), "roots", len(tx.Roots))
		receipt, err := txm.Apply(ctx, tx)
		if err != nil {
			respondError(ctx, w, "failed to apply transaction", err)
			return
		}
		httputil.JSON(ctx, w, receipt)
	}
}
