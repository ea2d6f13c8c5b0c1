package libvirt

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingSocketManager(t *testing.T) *ConnManager {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	sock := filepath.Join(t.TempDir(), "libvirt-sock")
	return NewConnManager("qemu+unix:///system?socket="+sock, time.Hour, 0, logrus.NewEntry(l))
}

func TestClientDialsOnceWhenUnreachable(t *testing.T) {
	m := missingSocketManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Client(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect libvirt")
	}
	assert.NoError(t, ctx.Err())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, m.Connected())
	assert.Error(t, m.Healthy(ctx))
}

func TestReconnectRetriesUntilCancelled(t *testing.T) {
	m := missingSocketManager(t)
	m.retryWait = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Reconnect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.Connected())
}

func TestClientHonoursCancelledContext(t *testing.T) {
	m := missingSocketManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Client(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
