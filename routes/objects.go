package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/util/httputil"
	"github.com/wkalt/objectserver/util/log"
)

// ObjectResponse is the inspection view of an object. Field values are
// rendered as strings.
type ObjectResponse struct {
	ID              objectid.ID       `json:"id"`
	Version         uint64            `json:"version"`
	References      []objectid.ID     `json:"references"`
	Fields          map[string]string `json:"fields"`
	IsNew           bool              `json:"isNew"`
	IsDirty         bool              `json:"isDirty"`
	CheckoutCount   int               `json:"checkoutCount"`
	LastTransaction string            `json:"lastTransaction,omitempty"`
}

func newObjectHandler(om *objectmgr.ObjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := objectid.Parse(mux.Vars(r)["id"])
		if err != nil {
			httputil.BadRequest(ctx, w, "invalid object id: %s", err)
			return
		}
		ctx = log.AddTags(ctx, "id", id)
		facade, err := om.LookupFacade(ctx, id)
		if err != nil {
			respondError(ctx, w, "failed to look up object", err)
			return
		}
		fields := make(map[string]string, len(facade.Fields))
		for name, value := range facade.Fields {
			fields[name] = string(value)
		}
		httputil.JSON(ctx, w, ObjectResponse{
			ID:              facade.ID,
			Version:         facade.Version,
			References:      facade.References,
			Fields:          fields,
			IsNew:           facade.IsNew,
			IsDirty:         facade.IsDirty,
			CheckoutCount:   facade.CheckoutCount,
			LastTransaction: facade.LastTransaction,
		})
	}
}

func newRootsHandler(om *objectmgr.ObjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roots, err := om.Roots(ctx)
		if err != nil {
			respondError(ctx, w, "failed to read roots", err)
			return
		}
		httputil.JSON(ctx, w, roots)
	}
}

// RootResponse is the response body of the root endpoint.
type RootResponse struct {
	Name string      `json:"name"`
	ID   objectid.ID `json:"id"`
}

func newRootHandler(om *objectmgr.ObjectManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := mux.Vars(r)["name"]
		id, err := om.LookupRootID(ctx, name)
		if err != nil {
			respondError(ctx, w, "failed to look up root", err)
			return
		}
		httputil.JSON(ctx, w, RootResponse{Name: name, ID: id})
	}
}
