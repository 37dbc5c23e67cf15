package minioutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/minio/madmin-go"
	mclient "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	minio "github.com/minio/minio/cmd"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/util/testutils"
)

/*
minioutil runs an embedded minio server for tests that exercise the S3 storage
provider against a real S3 implementation.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	testBucket      = "test"
	accessKeyID     = "minioadmin"
	secretAccessKey = "minioadmin"
	startupTimeout  = 10 * time.Second
)

// NewServer starts a minio server on a random port, and returns a client and
// bucket name to use in tests. The third return value tears the server down.
func NewServer(t *testing.T) (*mclient.Client, string, func()) {
	t.Helper()
	ctx := context.Background()
	port, err := testutils.GetOpenPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("localhost:%d", port)

	madm, err := madmin.New(addr, accessKeyID, secretAccessKey, false)
	require.NoError(t, err)

	tmpdir, err := os.MkdirTemp("", "objectserver-minio")
	require.NoError(t, err)

	go minio.Main([]string{"minio", "server", "--quiet", "--address", addr, tmpdir})
	require.NoError(t, awaitStartup(ctx, madm))

	mc, err := mclient.New(addr, &mclient.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: false,
	})
	require.NoError(t, err)
	require.NoError(t, mc.MakeBucket(ctx, testBucket, mclient.MakeBucketOptions{}))
	return mc, testBucket, func() {
		require.NoError(t, os.RemoveAll(tmpdir))
		// The server calls os.Exit when stopped, so stop it after the test
		// binary has had time to finish.
		go func() {
			time.Sleep(5 * time.Second)
			if err := madm.ServiceStop(ctx); err != nil {
				t.Log(err)
			}
		}()
	}
}

func awaitStartup(ctx context.Context, madm *madmin.AdminClient) error {
	start := time.Now()
	for {
		if _, err := madm.ServerInfo(ctx); err == nil {
			return nil
		}
		if time.Since(start) > startupTimeout {
			return fmt.Errorf("timeout waiting for minio server to start")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
