package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_PRIVATE_IP", "10.0.0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8250", cfg.HTTPListenAddr)
	assert.Equal(t, "HypervResource", cfg.ControllerName)
	assert.Equal(t, "", cfg.GRPCListenAddr)
	assert.Equal(t, 20*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "10.0.0.5", cfg.Host.PrivateIPAddress)
	assert.Equal(t, "10.0.0.5", cfg.Host.StorageIPAddress, "storage ip falls back to private ip")
	assert.Equal(t, int64(10*1024*1024*1024), cfg.Host.RootDeviceReservedSpaceBytes)
	assert.Equal(t, uint64(2048), cfg.Host.ParentPartitionMinMemoryMB)
	assert.Equal(t, "/", cfg.Host.RootDeviceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_PRIVATE_IP", "10.0.0.5")
	t.Setenv("AGENT_STORAGE_IP", "10.0.1.5")
	t.Setenv("AGENT_ROOT_DEVICE_RESERVED_SPACE", "512MiB")
	t.Setenv("AGENT_ROOT_DEVICE_NAME", "/dev/SDA1")
	t.Setenv("AGENT_DOM0_MIN_MEMORY_MB", "4096")
	t.Setenv("AGENT_LOG_JSON", "no")
	t.Setenv("AGENT_DOWNLOAD_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "10.0.1.5", cfg.Host.StorageIPAddress)
	assert.Equal(t, int64(512*1024*1024), cfg.Host.RootDeviceReservedSpaceBytes)
	assert.Equal(t, "/dev/sda1", cfg.Host.RootDeviceName)
	assert.Equal(t, uint64(4096), cfg.Host.ParentPartitionMinMemoryMB)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, 90*time.Second, cfg.DownloadTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing private ip",
			env:  map[string]string{},
			want: "AGENT_PRIVATE_IP is required",
		},
		{
			name: "malformed private ip",
			env:  map[string]string{"AGENT_PRIVATE_IP": "10.0.0"},
			want: "invalid AGENT_PRIVATE_IP",
		},
		{
			name: "malformed reserved space",
			env:  map[string]string{"AGENT_PRIVATE_IP": "10.0.0.5", "AGENT_ROOT_DEVICE_RESERVED_SPACE": "lots"},
			want: "AGENT_ROOT_DEVICE_RESERVED_SPACE",
		},
		{
			name: "controller with slash",
			env:  map[string]string{"AGENT_PRIVATE_IP": "10.0.0.5", "AGENT_CONTROLLER_NAME": "a/b"},
			want: "invalid AGENT_CONTROLLER_NAME",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AGENT_PRIVATE_IP", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHostWithNICIsACopy(t *testing.T) {
	h := Host{PrivateIPAddress: "10.0.0.5"}
	updated := h.WithPrivateNIC("255.255.255.0", "52:54:00:aa:bb:cc").WithStorageNIC("255.255.0.0", "52:54:00:dd:ee:ff")

	assert.Empty(t, h.PrivateNetmask)
	assert.Equal(t, "255.255.255.0", updated.PrivateNetmask)
	assert.Equal(t, "52:54:00:aa:bb:cc", updated.PrivateMACAddress)
	assert.Equal(t, "255.255.0.0", updated.StorageNetmask)
	assert.Equal(t, "52:54:00:dd:ee:ff", updated.StorageMACAddress)
}
