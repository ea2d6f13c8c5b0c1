package resource

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/libvirt"
	libvirtvm "kvm-resource-agent/internal/libvirt/vm"
	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/system"
)

// newUnreachableHarness wires a real libvirt controller at a socket that does
// not exist.
func newUnreachableHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	sock := filepath.Join(t.TempDir(), "libvirt-sock")
	conn := libvirt.NewConnManager("qemu+unix:///system?socket="+sock, time.Hour, 0, entry)
	controller := libvirtvm.NewController(conn, entry, libvirtvm.Options{DefaultDiskFolder: t.TempDir()})

	h := &harness{
		objects: &fakeObjects{data: map[string]string{}},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.r = New(config.Host{PrivateIPAddress: "10.1.1.10"}, Deps{
		Hypervisor: controller,
		Capacity:   fakeCapacity{usage: system.DiskUsage{CapacityBytes: 1e9, AvailableBytes: 4e8}},
		Network:    fakeNetwork{},
		Objects:    h.objects,
		Metrics:    h.metrics,
		Logger:     entry,
	})
	return h
}

// answered runs fn and fails the test if it does not return promptly.
func answered(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no answer with libvirt unreachable")
	}
}

func TestCommandsFailWhenLibvirtIsUnreachable(t *testing.T) {
	h := newUnreachableHarness(t)

	cases := []struct {
		name string
		tag  string
		body any
	}{
		{model.CmdCheckVirtualMachine, model.TagCheckVirtualMachineAnswer, map[string]any{"vmName": "i-2-10-VM"}},
		{model.CmdStop, model.TagStopAnswer, map[string]any{"vmName": "i-2-10-VM"}},
		{model.CmdStart, model.TagStartAnswer, map[string]any{"vm": map[string]any{"name": "i-2-10-VM", "cpus": 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			answered(t, func() {
				tag, payload := h.call(t, tc.name, tc.body)
				assert.Equal(t, tc.tag, tag)
				assert.Equal(t, false, payload["result"])
				assert.NotEmpty(t, payload["details"])
			})
		})
	}
}

func TestStartupAnswersWhenLibvirtIsUnreachable(t *testing.T) {
	h := newUnreachableHarness(t)

	answered(t, func() {
		body := `[{"StartupRoutingCommand":{"guid":"host-guid"}}]`
		env, ok := h.r.Dispatch(context.Background(), model.CmdStartup, []byte(body))
		require.True(t, ok)
		elems := wire(t, env)
		require.Len(t, elems, 1)
		routing := elems[0][model.KeyStartupRouting].(map[string]any)
		assert.Equal(t, "10.1.1.10", routing["privateIpAddress"])
		assert.NotContains(t, routing, "cpus")
	})
}
