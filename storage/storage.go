package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

/*
The storage provider interface is the minimal set of operations the object
store needs from a blob backend. Keys are slash-separated paths. Every popular
object storage service can support it.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrObjectNotFound is returned when a key is not present.
var ErrObjectNotFound = errors.New("object not found")

// Provider is the interface for a storage provider.
type Provider interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under a prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll reads the full value at key.
func ReadAll(ctx context.Context, p Provider, key string) ([]byte, error) {
	rc, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
