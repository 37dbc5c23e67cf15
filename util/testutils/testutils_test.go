package testutils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/util/testutils"
)

func TestGetOpenPort(t *testing.T) {
	port, err := testutils.GetOpenPort()
	require.NoError(t, err)
	require.Positive(t, port)
}

func TestChannelHelpers(t *testing.T) {
	t.Run("blocked channel", func(t *testing.T) {
		ch := make(chan struct{})
		testutils.RequireBlocked(t, ch, 10*time.Millisecond)
	})
	t.Run("closed channel", func(t *testing.T) {
		ch := make(chan struct{})
		close(ch)
		testutils.RequireReceive(t, ch, time.Second)
	})
	t.Run("value is returned", func(t *testing.T) {
		ch := make(chan int, 1)
		ch <- 5
		require.Equal(t, 5, testutils.RequireReceive(t, ch, time.Second))
	})
}
