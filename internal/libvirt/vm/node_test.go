package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvm-resource-agent/internal/libvirt"
)

func quietEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// unreachableController points at a socket nobody listens on.
func unreachableController(t *testing.T, opts Options) *Controller {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "libvirt-sock")
	conn := libvirt.NewConnManager("qemu+unix:///system?socket="+sock, time.Hour, 0, quietEntry())
	return NewController(conn, quietEntry(), opts)
}

func TestIsNoStoragePool(t *testing.T) {
	missing := golibvirt.Error{Code: uint32(golibvirt.ErrNoStoragePool), Message: "Storage pool not found"}

	assert.True(t, isNoStoragePool(missing))
	assert.True(t, isNoStoragePool(fmt.Errorf("lookup: %w", missing)))
	assert.False(t, isNoStoragePool(golibvirt.Error{Code: uint32(golibvirt.ErrNoDomain)}))
	assert.False(t, isNoStoragePool(errors.New("Storage pool not found")))
	assert.False(t, isNoStoragePool(nil))
}

func TestFallbackDiskFolder(t *testing.T) {
	dir := t.TempDir()
	c := NewController(nil, quietEntry(), Options{DefaultDiskFolder: dir})
	assert.Equal(t, dir, c.fallbackDiskFolder())

	c = NewController(nil, quietEntry(), Options{DefaultDiskFolder: filepath.Join(dir, "absent")})
	assert.Empty(t, c.fallbackDiskFolder())
}

func TestCallsFailFastWhenLibvirtIsUnreachable(t *testing.T) {
	c := unreachableController(t, Options{DefaultDiskFolder: t.TempDir()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.LookupVM(ctx, "i-2-10-VM")
	require.Error(t, err)
	_, err = c.DefaultDiskFolder(ctx)
	require.Error(t, err)
	_, err = c.ProcessorInfo(ctx)
	require.Error(t, err)

	assert.NoError(t, ctx.Err())
	assert.Less(t, time.Since(start), 5*time.Second)
}
