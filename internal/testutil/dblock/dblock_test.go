package dblock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Setenv("ESCROW_TEST_DB_LOCK", "127.0.0.1:45499")

	release, err := AcquireWithin(time.Second)
	require.NoError(t, err)

	_, err = AcquireWithin(100 * time.Millisecond)
	require.Error(t, err)

	release()
	again, err := AcquireWithin(time.Second)
	require.NoError(t, err)
	again()
}
