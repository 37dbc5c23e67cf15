package routes

import (
	"github.com/gorilla/mux"
	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/txobjmgr"
	"github.com/wkalt/objectserver/util/mw"
)

/*
routes exposes the object manager over HTTP for administration and for
submitting transactions.

	GET  /stats            cache counters and manager status
	GET  /objects/{id}     inspection view of one object
	GET  /roots            every root binding
	GET  /roots/{name}     one root binding
	POST /transactions     apply a transaction
	POST /evict            run an eviction pass
	POST /checkpoint       write dirty objects without evicting
	POST /gc               run a garbage collection cycle
	GET  /gc               recent garbage collection results
*/

////////////////////////////////////////////////////////////////////////////////

// Server holds the components the handlers operate on.
type Server struct {
	Manager      *objectmgr.ObjectManager
	Transactions *txobjmgr.Manager
	Collector    *dgc.Collector
	Stats        *objectmgr.CountingStats
}

// MakeRoutes builds the router.
func MakeRoutes(s Server, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()
	r.Use(mw.WithRequestID, mw.WithRequestLogging)
	if len(allowedOrigins) > 0 {
		r.Use(mw.WithCORSAllowedOrigins(allowedOrigins))
	}
	r.HandleFunc("/stats", newStatsHandler(s.Manager, s.Stats)).Methods("GET")
	r.HandleFunc("/objects/{id}", newObjectHandler(s.Manager)).Methods("GET")
	r.HandleFunc("/roots", newRootsHandler(s.Manager)).Methods("GET")
	r.HandleFunc("/roots/{name}", newRootHandler(s.Manager)).Methods("GET")
	r.HandleFunc("/transactions", newTransactionHandler(s.Transactions)).Methods("POST")
	r.HandleFunc("/evict", newEvictHandler(s.Manager)).Methods("POST")
	r.HandleFunc("/checkpoint", newCheckpointHandler(s.Manager)).Methods("POST")
	r.HandleFunc("/gc", newCollectHandler(s.Collector)).Methods("POST")
	r.HandleFunc("/gc", newCollectHistoryHandler(s.Collector)).Methods("GET")
	return r
}
