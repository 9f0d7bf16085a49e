package models

// Vulnerability is a finding from the vulnerability catalogue. It is attached to chat requests as
// structured data when the user asks the assistant to analyze it.
type Vulnerability struct {
	ID               string   `json:"id,omitempty" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	CVEID            string   `json:"cve_id,omitempty" yaml:"cveId"`
	RiskLevel        string   `json:"risk_level,omitempty" yaml:"riskLevel"`
	Description      string   `json:"description,omitempty" yaml:"description"`
	AffectedAssets   []string `json:"affected_assets,omitempty" yaml:"affectedAssets"`
	Status           string   `json:"status,omitempty" yaml:"status"`
	DiscoveryDate    string   `json:"discovery_date,omitempty" yaml:"discoveryDate"`
	RemediationSteps string   `json:"remediation_steps,omitempty" yaml:"remediationSteps"`
}

// Title returns the name used to refer to the vulnerability in chat, falling back to the CVE ID.
func (v Vulnerability) Title() string {
	switch {
	case v.Name != "":
		return v.Name
	case v.CVEID != "":
		return v.CVEID
	default:
		return "Unnamed vulnerability"
	}
}
