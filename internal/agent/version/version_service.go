package version

import (
	"time"

	"kvm-resource-agent/internal/config"
)

func Get(cfg config.Config) *Info {
	return &Info{
		Agent:           config.AgentName,
		NodeID:          cfg.NodeID,
		AgentVersion:    cfg.AgentVersion,
		Controller:      cfg.ControllerName,
		ProbeListenAddr: cfg.ProbeListenAddr,
		GRPCEnabled:     cfg.GRPCListenAddr != "",
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}
