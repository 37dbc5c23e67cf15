package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/routes"
	"github.com/wkalt/objectserver/txobjmgr"
	"github.com/wkalt/objectserver/util/httputil"
)

/*
client is a thin HTTP client for the object server's administrative API.
*/

////////////////////////////////////////////////////////////////////////////////

// Client calls an object server.
type Client struct {
	serverURL string
	httpc     *http.Client
}

// New returns a client for the server at serverURL.
func New(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		httpc:     &http.Client{},
	}
}

// Stats returns the server's cache counters and manager status.
func (c *Client) Stats(ctx context.Context) (routes.StatsResponse, error) {
	resp := routes.StatsResponse{}
	err := c.do(ctx, http.MethodGet, "/stats", nil, &resp)
	return resp, err
}

// Object returns the inspection view of one object.
func (c *Client) Object(ctx context.Context, id objectid.ID) (routes.ObjectResponse, error) {
	resp := routes.ObjectResponse{}
	err := c.do(ctx, http.MethodGet, "/objects/"+strconv.FormatUint(uint64(id), 10), nil, &resp)
	return resp, err
}

// Roots returns every root binding.
func (c *Client) Roots(ctx context.Context) (map[string]objectid.ID, error) {
	resp := map[string]objectid.ID{}
	err := c.do(ctx, http.MethodGet, "/roots", nil, &resp)
	return resp, err
}

// Apply submits a transaction.
func (c *Client) Apply(ctx context.Context, tx txobjmgr.Transaction) (txobjmgr.Receipt, error) {
	resp := txobjmgr.Receipt{}
	err := c.do(ctx, http.MethodPost, "/transactions", tx, &resp)
	return resp, err
}

// Evict runs an eviction pass leaving at most keep objects resident.
func (c *Client) Evict(ctx context.Context, keep int) ([]objectid.ID, error) {
	resp := routes.EvictResponse{}
	err := c.do(ctx, http.MethodPost, "/evict", routes.EvictRequest{Keep: keep}, &resp)
	return resp.Evicted, err
}

// Checkpoint writes dirty objects without evicting them.
func (c *Client) Checkpoint(ctx context.Context) (int, error) {
	resp := routes.CheckpointResponse{}
	err := c.do(ctx, http.MethodPost, "/checkpoint", nil, &resp)
	return resp.Written, err
}

// Collect runs a garbage collection cycle.
func (c *Client) Collect(ctx context.Context) (dgc.Result, error) {
	resp := dgc.Result{}
	err := c.do(ctx, http.MethodPost, "/gc", nil, &resp)
	return resp, err
}

// CollectHistory returns recent garbage collection results.
func (c *Client) CollectHistory(ctx context.Context) ([]dgc.Result, error) {
	resp := []dgc.Result{}
	err := c.do(ctx, http.MethodGet, "/gc", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method string, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		response := httputil.ErrorResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return util.NewAPIError(resp.StatusCode, resp.Status, "")
		}
		return util.NewAPIError(resp.StatusCode, response.Error, response.Detail)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
