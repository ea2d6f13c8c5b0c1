package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"kvm-resource-agent/internal/agent"
	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/system"
)

// flagEnv maps command-line flags onto the environment variables they override.
var flagEnv = map[string]string{
	"listen":      "AGENT_HTTP_LISTEN_ADDR",
	"grpc-listen": "AGENT_GRPC_LISTEN_ADDR",
	"log-level":   "AGENT_LOG_LEVEL",
	"log-json":    "AGENT_LOG_JSON",
	"libvirt-uri": "AGENT_LIBVIRT_URI",
	"private-ip":  "AGENT_PRIVATE_IP",
}

// agentFlags are accepted both before and after the subcommand name.
func agentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
		&cli.StringFlag{Name: "grpc-listen", Usage: "gRPC listen address, empty disables it"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "log-json", Usage: "log in JSON"},
		&cli.StringFlag{Name: "libvirt-uri", Usage: "libvirt connection URI"},
		&cli.StringFlag{Name: "private-ip", Usage: "private management IP of this host"},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    config.AgentName,
		Usage:   "serve orchestrator commands for a KVM host",
		Version: config.HardcodedVersion,
		Flags:   agentFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the agent (default)",
				Flags:  agentFlags(),
				Action: serve,
			},
			{
				Name:   "identity",
				Usage:  "print the resolved host network identity and exit",
				Flags:  agentFlags(),
				Action: identity,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("agent failed")
	}
}

// applyFlags exports set flags into the environment config.Load reads. Flags
// given after the subcommand win over the same flag given before it.
func applyFlags(c *cli.Context) error {
	lineage := c.Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		lc := lineage[i]
		for name, key := range flagEnv {
			if !lc.IsSet(name) {
				continue
			}
			if err := os.Setenv(key, fmt.Sprint(lc.Value(name))); err != nil {
				return fmt.Errorf("apply --%s: %w", name, err)
			}
		}
	}
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if err := applyFlags(c); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("agent initialization failed: %w", err)
	}
	return a.Run(c.Context)
}

func identity(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	host, err := agent.ResolveHost(cfg.Host, system.Interfaces{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"node_id":             cfg.NodeID,
		"private_ip":          host.PrivateIPAddress,
		"private_netmask":     host.PrivateNetmask,
		"private_mac":         host.PrivateMACAddress,
		"storage_ip":          host.StorageIPAddress,
		"storage_netmask":     host.StorageNetmask,
		"storage_mac":         host.StorageMACAddress,
		"gateway_ip":          host.GatewayIPAddress,
		"default_disk_folder": host.DefaultDiskFolder,
	})
}
