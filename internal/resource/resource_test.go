package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/hypervisor"
	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/system"
)

type fakeHypervisor struct {
	mu        sync.Mutex
	vms       map[string]*hypervisor.VM
	created   []hypervisor.VMSpec
	detached  []string
	createErr error
	detachErr error
	proc      hypervisor.ProcessorInfo
	mem       hypervisor.MemoryInfo
	cpuUsage  float64
	folder    string
	summaries []hypervisor.VMSummary
}

func (f *fakeHypervisor) LookupVM(_ context.Context, name string) (*hypervisor.VM, error) {
	if name == "boom" {
		panic("lookup exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[name], nil
}

func (f *fakeHypervisor) CreateVM(_ context.Context, spec hypervisor.VMSpec) (*hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	vm := &hypervisor.VM{Name: spec.Name, UUID: spec.UUID, State: hypervisor.StateRunning, VCPUs: spec.VCPUs}
	if f.vms == nil {
		f.vms = map[string]*hypervisor.VM{}
	}
	f.vms[spec.Name] = vm
	return vm, nil
}

func (f *fakeHypervisor) DestroyVM(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, name)
	return nil
}

func (f *fakeHypervisor) AttachDisk(context.Context, string, string, int) error { return nil }

func (f *fakeHypervisor) DetachDisk(_ context.Context, vmName, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detachErr != nil {
		return f.detachErr
	}
	f.detached = append(f.detached, vmName+":"+path)
	return nil
}

func (f *fakeHypervisor) ProcessorInfo(context.Context) (hypervisor.ProcessorInfo, error) {
	return f.proc, nil
}

func (f *fakeHypervisor) ProcessorUsage(context.Context) (float64, error) { return f.cpuUsage, nil }

func (f *fakeHypervisor) MemoryInfo(context.Context) (hypervisor.MemoryInfo, error) {
	return f.mem, nil
}

func (f *fakeHypervisor) DefaultDiskFolder(context.Context) (string, error) { return f.folder, nil }

func (f *fakeHypervisor) SummaryInfo(context.Context, []string) ([]hypervisor.VMSummary, error) {
	return f.summaries, nil
}

func (f *fakeHypervisor) CreateDynamicDisk(_ context.Context, _ uint64, path string) error {
	return os.WriteFile(path, nil, 0o644)
}

type fakeCapacity struct {
	usage system.DiskUsage
	err   error
}

func (f fakeCapacity) ForLocalPath(string) (system.DiskUsage, error) { return f.usage, f.err }

type fakeNetwork struct{}

func (fakeNetwork) NICForIP(ip string) (system.NIC, error) {
	if ip != "10.1.1.10" {
		return system.NIC{}, errdefs.ErrNotFound
	}
	return system.NIC{Name: "eth0", Netmask: "255.255.255.0", MAC: "52:54:00:aa:bb:cc"}, nil
}

func (fakeNetwork) Counters(string) (system.NetCounters, error) {
	return system.NetCounters{RxBytes: 2048, TxBytes: 4096}, nil
}

type fakeObjects struct {
	data map[string]string
	keys []string
}

func (f *fakeObjects) Get(_ context.Context, store *model.S3TO, key string) (io.ReadCloser, error) {
	f.keys = append(f.keys, store.BucketName+"/"+key)
	body, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, errdefs.ErrNotFound)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type harness struct {
	r       *Resource
	hv      *fakeHypervisor
	objects *fakeObjects
	metrics *Metrics
}

func newHarness(t *testing.T, host config.Host) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		hv: &fakeHypervisor{
			vms:  map[string]*hypervisor.VM{},
			proc: hypervisor.ProcessorInfo{Cores: 4, MHz: 2400},
			mem:  hypervisor.MemoryInfo{TotalKB: 8 * 1024 * 1024, FreeKB: 4 * 1024 * 1024},
		},
		objects: &fakeObjects{data: map[string]string{}},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	if host.PrivateIPAddress == "" {
		host.PrivateIPAddress = "10.1.1.10"
	}
	h.r = New(host, Deps{
		Hypervisor: h.hv,
		Capacity:   fakeCapacity{usage: system.DiskUsage{CapacityBytes: 1e9, AvailableBytes: 4e8}},
		Network:    fakeNetwork{},
		Objects:    h.objects,
		Metrics:    h.metrics,
		Logger:     logrus.NewEntry(logger),
	})
	return h
}

// call dispatches a command and returns the envelope as the orchestrator
// would see it on the wire.
func (h *harness) call(t *testing.T, name string, body any) (string, map[string]any) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}

	env, _ := h.r.Dispatch(context.Background(), name, raw)
	elems := wire(t, env)
	require.Len(t, elems, 1)
	for tag, payload := range elems[0] {
		p, ok := payload.(map[string]any)
		require.True(t, ok, "payload of %s is not an object", tag)
		return tag, p
	}
	t.Fatal("empty envelope element")
	return "", nil
}

func wire(t *testing.T, env model.Envelope) []map[string]any {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	var elems []map[string]any
	require.NoError(t, json.Unmarshal(data, &elems))
	return elems
}

func TestUnknownCommandIsUnsupported(t *testing.T) {
	h := newHarness(t, config.Host{})

	env, ok := h.r.Dispatch(context.Background(), "RebootRouterCommand", []byte(`{}`))
	assert.False(t, ok)
	assert.Equal(t, model.TagUnsupportedAnswer, env.Tag())

	elems := wire(t, env)
	payload := elems[0][model.TagUnsupportedAnswer].(map[string]any)
	assert.Equal(t, false, payload["result"])
	assert.Equal(t, "Unsupported command RebootRouterCommand", payload["details"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.commands.WithLabelValues("unknown", labelUnsupported)))
}

func TestMalformedBodiesYieldFailedAnswers(t *testing.T) {
	h := newHarness(t, config.Host{})

	tags := map[string]string{
		model.CmdStart:                  model.TagStartAnswer,
		model.CmdStop:                   model.TagStopAnswer,
		model.CmdCreate:                 model.TagCreateAnswer,
		model.CmdDestroy:                model.TagAnswer,
		model.CmdPrimaryStorageDownload: model.TagPrimaryStorageDownloadAnswer,
		model.CmdCopy:                   model.TagCopyCmdAnswer,
		model.CmdCheckVirtualMachine:    model.TagCheckVirtualMachineAnswer,
		model.CmdGetVMStats:             model.TagGetVMStatsAnswer,
		model.CmdGetStorageStats:        model.TagGetStorageStatsAnswer,
		model.CmdGetHostStats:           model.TagGetHostStatsAnswer,
		model.CmdModifyStoragePool:      model.TagModifyStoragePoolAnswer,
		model.CmdCreateStoragePool:      model.TagAnswer,
		model.CmdDeleteStoragePool:      model.TagAnswer,
	}
	for name, want := range tags {
		t.Run(name, func(t *testing.T) {
			tag, payload := h.call(t, name, "not json")
			assert.Equal(t, want, tag)
			assert.Equal(t, false, payload["result"])
			assert.Contains(t, payload["details"], name+" failed due to malformed request")
		})
	}

	_, payload := h.call(t, model.CmdModifyStoragePool, "not json")
	assert.Nil(t, payload["poolInfo"])
}

func TestMissingRequiredFieldsAreMalformed(t *testing.T) {
	h := newHarness(t, config.Host{})

	_, payload := h.call(t, model.CmdGetHostStats, map[string]any{})
	assert.Equal(t, false, payload["result"])
	assert.Contains(t, payload["details"], "hostId is required")

	_, payload = h.call(t, model.CmdStart, map[string]any{"vm": map[string]any{"cpus": 1}})
	assert.Equal(t, false, payload["result"])
	assert.Contains(t, payload["details"], "vm.name is required")
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, config.Host{})

	tag, payload := h.call(t, model.CmdCheckVirtualMachine, map[string]any{"vmName": "boom"})
	assert.Equal(t, model.TagCheckVirtualMachineAnswer, tag)
	assert.Equal(t, false, payload["result"])
	assert.Contains(t, payload["details"], "lookup exploded")
	assert.Nil(t, payload["state"])
	assert.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.commands.WithLabelValues(model.CmdCheckVirtualMachine, labelPanic)))
}

func TestAcknowledgements(t *testing.T) {
	h := newHarness(t, config.Host{})

	for name, tag := range map[string]string{
		model.CmdCheckNetwork: model.TagCheckNetworkAnswer,
		model.CmdReady:        model.TagReadyAnswer,
		model.CmdCheckHealth:  model.TagCheckHealthAnswer,
	} {
		gotTag, payload := h.call(t, name, "{}")
		assert.Equal(t, tag, gotTag)
		assert.Equal(t, true, payload["result"])
		assert.Nil(t, payload["details"])
	}

	tag, payload := h.call(t, model.CmdSetup, "{}")
	assert.Equal(t, model.TagSetupAnswer, tag)
	assert.Equal(t, true, payload["result"])
	assert.Equal(t, false, payload["_reconnect"])

	tag, payload = h.call(t, model.CmdCleanupNetworkRules, "{}")
	assert.Equal(t, model.TagAnswer, tag)
	assert.Equal(t, false, payload["result"])
	assert.Equal(t, cleanupRuleDetails, payload["details"])
}

func TestCommandsListsStartup(t *testing.T) {
	h := newHarness(t, config.Host{})
	names := h.r.Commands()
	assert.Contains(t, names, model.CmdStartup)
	assert.Contains(t, names, model.CmdCopy)
	assert.IsIncreasing(t, names)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, config.Host{})
	vm := map[string]any{
		"name": "i-2-10-VM", "uuid": "5f4a1a3a-6b8e-4d1e-9d7c-0a1b2c3d4e5f", "cpus": 2, "speed": 1000,
		"minRam": 536870912, "maxRam": 536870912,
		"disks": []map[string]any{{"type": "ROOT", "path": "/pool/root.vhdx", "deviceId": 0}},
		"nics":  []map[string]any{{"deviceId": 0, "mac": "02:00:00:00:00:01", "isolationUri": "vlan://100"}},
	}

	tag, payload := h.call(t, model.CmdStart, map[string]any{"vm": vm})
	assert.Equal(t, model.TagStartAnswer, tag)
	assert.Equal(t, true, payload["result"])
	assert.Equal(t, "i-2-10-VM", payload["vm"].(map[string]any)["name"])

	require.Len(t, h.hv.created, 1)
	spec := h.hv.created[0]
	assert.Equal(t, uint32(2), spec.VCPUs)
	require.Len(t, spec.Disks, 1)
	assert.Equal(t, hypervisor.DiskRoot, spec.Disks[0].Kind)
	require.Len(t, spec.NICs, 1)
	assert.Equal(t, 100, spec.NICs[0].VLANID)

	_, payload = h.call(t, model.CmdCheckVirtualMachine, map[string]any{"vmName": "i-2-10-VM"})
	assert.Equal(t, true, payload["result"])
	assert.Equal(t, hypervisor.StateRunning, payload["state"])

	tag, payload = h.call(t, model.CmdStop, map[string]any{"vmName": "i-2-10-VM"})
	assert.Equal(t, model.TagStopAnswer, tag)
	assert.Equal(t, true, payload["result"])
	assert.Empty(t, h.hv.vms)

	// Stopping a VM that is already gone still succeeds.
	_, payload = h.call(t, model.CmdStop, map[string]any{"vmName": "i-2-10-VM"})
	assert.Equal(t, true, payload["result"])
}

func TestStartFailureEchoesVM(t *testing.T) {
	h := newHarness(t, config.Host{})
	h.hv.createErr = errors.New("domain define failed")

	_, payload := h.call(t, model.CmdStart, map[string]any{"vm": map[string]any{"name": "vm1"}})
	assert.Equal(t, false, payload["result"])
	assert.Equal(t, "StartCommand fail on exception: domain define failed", payload["details"])
	assert.Equal(t, "vm1", payload["vm"].(map[string]any)["name"])
}

func TestCheckVirtualMachineUnknown(t *testing.T) {
	h := newHarness(t, config.Host{})

	_, payload := h.call(t, model.CmdCheckVirtualMachine, map[string]any{"vmName": "ghost"})
	assert.Equal(t, false, payload["result"])
	assert.Equal(t, "CheckVirtualMachineCommand requested unknown VM ghost", payload["details"])
}

func TestGetVMStatsSkipsUnknownNames(t *testing.T) {
	h := newHarness(t, config.Host{})
	h.hv.summaries = []hypervisor.VMSummary{{Name: "vm1", NumCPUs: 2, CPUUtilization: 12.5}}

	tag, payload := h.call(t, model.CmdGetVMStats, map[string]any{"vmNames": []string{"vm1", "ghost"}})
	assert.Equal(t, model.TagGetVMStatsAnswer, tag)
	assert.Equal(t, true, payload["result"])

	infos := payload["vmInfos"].(map[string]any)
	require.Len(t, infos, 1)
	entry := infos["vm1"].(map[string]any)
	assert.Equal(t, 12.5, entry["cpuUtilization"])
	assert.Equal(t, 2.0, entry["numCPUs"])
	assert.Equal(t, 0.0, entry["networkReadKBs"])
	assert.Equal(t, "vm", entry["entityType"])
}

func TestGetStorageStats(t *testing.T) {
	h := newHarness(t, config.Host{})

	tag, payload := h.call(t, model.CmdGetStorageStats, map[string]any{"localPath": t.TempDir()})
	assert.Equal(t, model.TagGetStorageStatsAnswer, tag)
	assert.Equal(t, true, payload["result"])
	assert.Equal(t, 1e9, payload["capacity"])
	assert.Equal(t, 6e8, payload["used"])
}

func TestGetHostStats(t *testing.T) {
	h := newHarness(t, config.Host{})
	h.hv.cpuUsage = 37.5

	tag, payload := h.call(t, model.CmdGetHostStats, map[string]any{"hostId": "42"})
	assert.Equal(t, model.TagGetHostStatsAnswer, tag)
	assert.Equal(t, true, payload["result"])

	stats := payload["hostStats"].(map[string]any)
	assert.Equal(t, 42.0, stats["hostId"])
	assert.Equal(t, "host", stats["entityType"])
	assert.Equal(t, 37.5, stats["cpuUtilization"])
	assert.Equal(t, 2.0, stats["networkReadKBs"])
	assert.Equal(t, 4.0, stats["networkWriteKBs"])
	assert.Equal(t, float64(8*1024*1024), stats["totalMemoryKBs"])
	assert.Equal(t, float64(4*1024*1024), stats["freeMemoryKBs"])
}

func TestGetHostStatsFailsWithoutPrivateNIC(t *testing.T) {
	h := newHarness(t, config.Host{PrivateIPAddress: "10.9.9.9"})

	_, payload := h.call(t, model.CmdGetHostStats, map[string]any{"hostId": 7})
	assert.Equal(t, false, payload["result"])
	assert.True(t, strings.HasPrefix(payload["details"].(string), "GetHostStatsCommand failed on exception: "))
	assert.Nil(t, payload["hostStats"])
}

func TestStartupFillsRoutingAndOffersLocalPool(t *testing.T) {
	h := newHarness(t, config.Host{
		PrivateNetmask:             "255.255.255.0",
		PrivateMACAddress:          "52:54:00:aa:bb:cc",
		StorageIPAddress:           "10.1.1.10",
		GatewayIPAddress:           "10.1.1.1",
		ParentPartitionMinMemoryMB: 2048,
	})
	h.hv.folder = t.TempDir()

	body := `[{"StartupRoutingCommand":{"guid":"host-guid","dataCenter":"1","pod":"1","hypervisorType":"KVM"}}]`
	env, ok := h.r.Dispatch(context.Background(), model.CmdStartup, []byte(body))
	require.True(t, ok)
	elems := wire(t, env)
	require.Len(t, elems, 2)

	routing := elems[0][model.KeyStartupRouting].(map[string]any)
	assert.Equal(t, "host-guid", routing["guid"])
	assert.Equal(t, "KVM", routing["hypervisorType"])
	assert.Equal(t, "10.1.1.10", routing["privateIpAddress"])
	assert.Equal(t, "255.255.255.0", routing["privateNetmask"])
	assert.Equal(t, "10.1.1.1", routing["gatewayIpAddress"])
	assert.Equal(t, 4.0, routing["cpus"])
	assert.Equal(t, 2400.0, routing["speed"])
	assert.Equal(t, 8192.0, routing["memory"])
	assert.Equal(t, 2048.0, routing["dom0MinMemory"])

	storage := elems[1][model.KeyStartupStorage].(map[string]any)
	assert.Equal(t, "host-guid", storage["guid"])
	assert.Equal(t, "1", storage["dataCenter"])
	assert.Equal(t, model.ResourceTypeStoragePool, storage["resourceType"])

	pool := storage["poolInfo"].(map[string]any)
	assert.Equal(t, "host-guid", pool["uuid"])
	assert.Equal(t, "10.1.1.10", pool["host"])
	assert.Equal(t, h.hv.folder, pool["localPath"])
	assert.Equal(t, "Filesystem", pool["poolType"])
	assert.Equal(t, 1e9, pool["capacityBytes"])
	assert.Equal(t, 4e8, pool["availableBytes"])
}

func TestStartupWithoutDiskFolder(t *testing.T) {
	h := newHarness(t, config.Host{})

	env, _ := h.r.Dispatch(context.Background(), model.CmdStartup, []byte(`[{"StartupRoutingCommand":{}}]`))
	elems := wire(t, env)
	require.Len(t, elems, 1)
	assert.Contains(t, elems[0], model.KeyStartupRouting)
}

func TestStartupMalformed(t *testing.T) {
	h := newHarness(t, config.Host{})

	for _, body := range []string{`{}`, `[]`, `[{"Other":{}}]`} {
		env, ok := h.r.Dispatch(context.Background(), model.CmdStartup, []byte(body))
		assert.True(t, ok)
		elems := wire(t, env)
		require.Len(t, elems, 1)
		payload := elems[0][model.TagAnswer].(map[string]any)
		assert.Equal(t, false, payload["result"])
		assert.Contains(t, payload["details"], "StartupCommand failed due to malformed request")
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.commands.WithLabelValues(model.CmdStartup, labelFalse)))
}
