package client_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/cli/client"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/routes"
	"github.com/wkalt/objectserver/txobjmgr"
)

func ptr(s string) *string {
	return &s
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	url, _, finish := routes.MakeTestRoutes(ctx, t)
	defer finish()
	c := client.New(url)

	receipt, err := c.Apply(ctx, txobjmgr.Transaction{
		ID: "t1",
		Changes: []txobjmgr.Change{
			{ID: 1, Version: 1, New: true, Fields: map[string]*string{"name": ptr("a")}, References: objectid.NewSet(2)},
			{ID: 2, Version: 1, New: true},
		},
		Roots: map[string]objectid.ID{"main": 1},
	})
	require.NoError(t, err)
	require.Equal(t, []objectid.ID{1, 2}, receipt.Applied)

	t.Run("object", func(t *testing.T) {
		obj, err := c.Object(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, "a", obj.Fields["name"])
		require.Equal(t, []objectid.ID{2}, obj.References)
	})
	t.Run("missing object", func(t *testing.T) {
		_, err := c.Object(ctx, 77)
		apiErr := util.APIError{}
		require.True(t, errors.As(err, &apiErr))
		require.True(t, apiErr.NotFound())
	})
	t.Run("roots", func(t *testing.T) {
		roots, err := c.Roots(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]objectid.ID{"main": 1}, roots)
	})
	t.Run("checkpoint and evict", func(t *testing.T) {
		// the transaction already committed both objects
		written, err := c.Checkpoint(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, written)
		evicted, err := c.Evict(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, []objectid.ID{1, 2}, evicted)
	})
	t.Run("stats", func(t *testing.T) {
		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, stats.Status.Resident)
		require.Equal(t, int64(2), stats.Cache.Created)
	})
	t.Run("collect", func(t *testing.T) {
		result, err := c.Collect(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, result.Live)
		require.Equal(t, 0, result.Garbage)
		history, err := c.CollectHistory(ctx)
		require.NoError(t, err)
		require.Len(t, history, 1)
	})
}
