package roster

import "github.com/opfor-ai/gauntlet/message"

// AgentSpec describes one agent to register at run initialization.
type AgentSpec struct {
	AgentID      string       `json:"agent_id" yaml:"agent_id"`
	Team         message.Team `json:"team" yaml:"team"`
	Role         string       `json:"role" yaml:"role"`
	Capabilities []string     `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Default returns the standard exercise lineup: four red specialists
// against three blue defenders.
func Default() []AgentSpec {
	return []AgentSpec{
		{
			AgentID: "recon_agent_1", Team: message.TeamRed, Role: "reconnaissance",
			Capabilities: []string{"osint_gathering", "network_scanning", "target_profiling"},
		},
		{
			AgentID: "social_eng_agent_1", Team: message.TeamRed, Role: "social_engineering",
			Capabilities: []string{"phishing_campaign", "pretexting", "credential_harvesting"},
		},
		{
			AgentID: "exploit_agent_1", Team: message.TeamRed, Role: "exploitation",
			Capabilities: []string{"vulnerability_exploitation", "payload_delivery", "privilege_escalation"},
		},
		{
			AgentID: "lateral_agent_1", Team: message.TeamRed, Role: "lateral_movement",
			Capabilities: []string{"network_pivoting", "credential_reuse", "data_staging"},
		},
		{
			AgentID: "detection_agent_1", Team: message.TeamBlue, Role: "detection",
			Capabilities: []string{"log_analysis", "anomaly_detection", "alert_triage"},
		},
		{
			AgentID: "response_agent_1", Team: message.TeamBlue, Role: "response",
			Capabilities: []string{"containment_strategy", "system_isolation", "eradication"},
		},
		{
			AgentID: "threat_intel_agent_1", Team: message.TeamBlue, Role: "threat_intel",
			Capabilities: []string{"ioc_correlation", "attribution_analysis", "threat_hunting"},
		},
	}
}
