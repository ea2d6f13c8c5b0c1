package version

type Info struct {
	Agent           string `json:"agent"`
	NodeID          string `json:"node_id"`
	AgentVersion    string `json:"agent_version"`
	Controller      string `json:"controller"`
	ProbeListenAddr string `json:"probe_listen_addr"`
	GRPCEnabled     bool   `json:"grpc_enabled"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}
