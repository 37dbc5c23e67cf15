package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/txobjmgr"
	"github.com/wkalt/objectserver/util/httputil"
)

// respondError maps a manager error to a response.
func respondError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, objectmgr.ShutdownError{}):
		httputil.ServiceUnavailable(ctx, w, "%s: %s", op, err)
	case errors.Is(err, objectmgr.NoSuchObjectError{}),
		errors.Is(err, txobjmgr.MissingObjectsError{}),
		errors.Is(err, objectstore.RootNotFoundError{}):
		httputil.NotFound(ctx, w, "%s", err)
	case errors.Is(err, objectmgr.ErrGCInProgress),
		errors.Is(err, objectmgr.ObjectExistsError{}):
		httputil.Conflict(ctx, w, "%s", err)
	default:
		httputil.InternalServerError(ctx, w, "%s: %s", op, err)
	}
}
