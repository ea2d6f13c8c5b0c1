package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

const (
	AgentName        = "kvm-resource-agent"
	HardcodedVersion = "V0.3"
)

type Config struct {
	NodeID             string
	Hostname           string
	AgentVersion       string
	LibvirtURI         string
	HTTPListenAddr     string
	GRPCListenAddr     string
	ProbeListenAddr    string
	ControllerName     string
	GuestBridge        string
	QemuImgPath        string
	DownloadTimeout    time.Duration
	HealthInterval     time.Duration
	ReconnectInterval  time.Duration
	MaxReconnectJitter time.Duration
	ShutdownTimeout    time.Duration
	LogJSON            bool
	LogLevel           string
	Host               Host
}

// Host is the immutable identity snapshot handed to the command dispatcher.
type Host struct {
	PrivateIPAddress             string
	PrivateNetmask               string
	PrivateMACAddress            string
	StorageIPAddress             string
	StorageNetmask               string
	StorageMACAddress            string
	GatewayIPAddress             string
	RootDeviceName               string
	RootDeviceReservedSpaceBytes int64
	ParentPartitionMinMemoryMB   uint64
	LocalSecondaryStoragePath    string
	DefaultDiskFolder            string
}

// WithPrivateNIC returns a copy with the private interface details filled in.
func (h Host) WithPrivateNIC(netmask, mac string) Host {
	h.PrivateNetmask = netmask
	h.PrivateMACAddress = mac
	return h
}

// WithStorageNIC returns a copy with the storage interface details filled in.
func (h Host) WithStorageNIC(netmask, mac string) Host {
	h.StorageNetmask = netmask
	h.StorageMACAddress = mac
	return h
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	reserved, err := envSize("AGENT_ROOT_DEVICE_RESERVED_SPACE", 10*units.GiB)
	if err != nil {
		return Config{}, err
	}

	privateIP := env("AGENT_PRIVATE_IP", "")
	cfg := Config{
		NodeID:             env("AGENT_NODE_ID", hostname),
		Hostname:           hostname,
		AgentVersion:       HardcodedVersion,
		LibvirtURI:         env("AGENT_LIBVIRT_URI", "qemu+unix:///system"),
		HTTPListenAddr:     env("AGENT_HTTP_LISTEN_ADDR", "0.0.0.0:8250"),
		GRPCListenAddr:     env("AGENT_GRPC_LISTEN_ADDR", ""),
		ProbeListenAddr:    env("AGENT_PROBE_ADDR", "0.0.0.0:7443"),
		ControllerName:     env("AGENT_CONTROLLER_NAME", "HypervResource"),
		GuestBridge:        env("AGENT_GUEST_BRIDGE", "cloudbr0"),
		QemuImgPath:        env("AGENT_QEMU_IMG_PATH", "qemu-img"),
		DownloadTimeout:    envDuration("AGENT_DOWNLOAD_TIMEOUT", 0),
		HealthInterval:     envDuration("AGENT_HEALTH_INTERVAL", 10*time.Second),
		ReconnectInterval:  envDuration("AGENT_RECONNECT_INTERVAL", 4*time.Second),
		MaxReconnectJitter: envDuration("AGENT_RECONNECT_MAX_JITTER", 900*time.Millisecond),
		ShutdownTimeout:    envDuration("AGENT_SHUTDOWN_TIMEOUT", 20*time.Second),
		LogJSON:            envBool("AGENT_LOG_JSON", true),
		LogLevel:           strings.ToLower(env("AGENT_LOG_LEVEL", "info")),
		Host: Host{
			PrivateIPAddress:             privateIP,
			StorageIPAddress:             env("AGENT_STORAGE_IP", privateIP),
			GatewayIPAddress:             env("AGENT_GATEWAY_IP", ""),
			RootDeviceName:               strings.ToLower(env("AGENT_ROOT_DEVICE_NAME", "/")),
			RootDeviceReservedSpaceBytes: reserved,
			ParentPartitionMinMemoryMB:   uint64(envInt64("AGENT_DOM0_MIN_MEMORY_MB", 2048)),
			LocalSecondaryStoragePath:    env("AGENT_SECONDARY_STORAGE_PATH", "/mnt/secondary"),
			DefaultDiskFolder:            env("AGENT_DEFAULT_DISK_FOLDER", "/var/lib/libvirt/images"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("AGENT_NODE_ID is required")
	}
	if strings.TrimSpace(c.AgentVersion) == "" {
		return errors.New("agent version must not be empty")
	}
	if c.LibvirtURI == "" {
		return errors.New("AGENT_LIBVIRT_URI is required")
	}
	if strings.TrimSpace(c.HTTPListenAddr) == "" {
		return errors.New("AGENT_HTTP_LISTEN_ADDR is required")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("AGENT_PROBE_ADDR is required")
	}
	if strings.ContainsAny(c.ControllerName, "/ ") || c.ControllerName == "" {
		return fmt.Errorf("invalid AGENT_CONTROLLER_NAME %q", c.ControllerName)
	}
	if c.HealthInterval <= 0 {
		return errors.New("AGENT_HEALTH_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("AGENT_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.DownloadTimeout < 0 {
		return errors.New("AGENT_DOWNLOAD_TIMEOUT must be >= 0")
	}
	return c.Host.Validate()
}

func (h Host) Validate() error {
	if h.PrivateIPAddress == "" {
		return errors.New("AGENT_PRIVATE_IP is required")
	}
	if net.ParseIP(h.PrivateIPAddress) == nil {
		return fmt.Errorf("invalid AGENT_PRIVATE_IP: %s", h.PrivateIPAddress)
	}
	if h.StorageIPAddress != "" && net.ParseIP(h.StorageIPAddress) == nil {
		return fmt.Errorf("invalid AGENT_STORAGE_IP: %s", h.StorageIPAddress)
	}
	if h.GatewayIPAddress != "" && net.ParseIP(h.GatewayIPAddress) == nil {
		return fmt.Errorf("invalid AGENT_GATEWAY_IP: %s", h.GatewayIPAddress)
	}
	if h.RootDeviceReservedSpaceBytes < 0 {
		return errors.New("AGENT_ROOT_DEVICE_RESERVED_SPACE must be >= 0")
	}
	return nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envSize accepts plain byte counts and human sizes such as "10GiB" or "512MB".
func envSize(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
