package scenario

import "fmt"

// Built-in SOCI critical-infrastructure scenario names.
const (
	EnergyGrid   = "soci_energy_grid"
	TelcoNetwork = "soci_telco_network"
	WaterSystem  = "soci_water_system"
)

// Builtin returns a copy of a built-in scenario catalog by name.
func Builtin(name string) (*Catalog, error) {
	c, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown built-in scenario %q", name)
	}
	out := c // shallow copy, then deep-copy the maps
	out.CriticalAssets = make(map[string]Asset, len(c.CriticalAssets))
	for id, a := range c.CriticalAssets {
		out.CriticalAssets[id] = a
	}
	out.Techniques = make(map[string]Technique, len(c.Techniques))
	for id, t := range c.Techniques {
		out.Techniques[id] = t
	}
	return &out, nil
}

// BuiltinNames returns the available built-in scenario names.
func BuiltinNames() []string {
	return []string{EnergyGrid, TelcoNetwork, WaterSystem}
}

// commonTechniques is the ATT&CK subset the built-in playbooks exercise.
var commonTechniques = map[string]Technique{
	"T1595": {Name: "Active Scanning", Tactic: "reconnaissance"},
	"T1598": {Name: "Phishing for Information", Tactic: "reconnaissance"},
	"T1566": {Name: "Phishing", Tactic: "initial-access"},
	"T1190": {Name: "Exploit Public-Facing Application", Tactic: "initial-access"},
	"T1059": {Name: "Command and Scripting Interpreter", Tactic: "execution"},
	"T1053": {Name: "Scheduled Task/Job", Tactic: "persistence"},
	"T1021": {Name: "Remote Services", Tactic: "lateral-movement"},
	"T1041": {Name: "Exfiltration Over C2 Channel", Tactic: "exfiltration"},
	"T1048": {Name: "Exfiltration Over Alternative Protocol", Tactic: "exfiltration"},
}

var builtins = map[string]Catalog{
	EnergyGrid: {
		Name:        EnergyGrid,
		Description: "Energy grid disruption against a SOCI-regulated electricity operator",
		CriticalAssets: map[string]Asset{
			"scada_system":          {Type: "industrial_control", Criticality: "high"},
			"power_grid_monitoring": {Type: "monitoring", Criticality: "high"},
			"employee_portal":       {Type: "web_application", Criticality: "medium"},
			"billing_system":        {Type: "database", Criticality: "medium"},
		},
		AttackSurface: []string{
			"public_web_servers",
			"remote_access_points",
			"third_party_integrations",
			"employee_credentials",
		},
		DefensiveMeasures: []string{
			"network_segmentation",
			"intrusion_detection",
			"security_monitoring",
			"incident_response_team",
		},
		Techniques: commonTechniques,
	},
	TelcoNetwork: {
		Name:        TelcoNetwork,
		Description: "Telecommunications network compromise against a carrier core",
		CriticalAssets: map[string]Asset{
			"core_network_switches": {Type: "network_infrastructure", Criticality: "high"},
			"customer_database":     {Type: "database", Criticality: "high"},
			"billing_platform":      {Type: "application", Criticality: "medium"},
			"mobile_network_core":   {Type: "telecom_infrastructure", Criticality: "high"},
		},
		AttackSurface: []string{
			"customer_facing_portals",
			"network_management_interfaces",
			"mobile_applications",
			"partner_connections",
		},
		DefensiveMeasures: []string{
			"network_monitoring",
			"access_control",
			"encryption_protocols",
			"security_operations_center",
		},
		Techniques: commonTechniques,
	},
	WaterSystem: {
		Name:        WaterSystem,
		Description: "Water treatment intrusion against a municipal utility",
		CriticalAssets: map[string]Asset{
			"water_treatment_plant": {Type: "industrial_control", Criticality: "high"},
			"distribution_system":   {Type: "infrastructure", Criticality: "high"},
			"quality_monitoring":    {Type: "monitoring", Criticality: "high"},
			"customer_billing":      {Type: "application", Criticality: "low"},
		},
		AttackSurface: []string{
			"remote_telemetry",
			"control_system_interfaces",
			"operator_workstations",
			"maintenance_access",
		},
		DefensiveMeasures: []string{
			"physical_security",
			"system_hardening",
			"monitoring_alerts",
			"backup_systems",
		},
		Techniques: commonTechniques,
	},
}
