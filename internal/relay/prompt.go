package relay

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/vulnchat/internal/models"
)

// VulnerabilityPrompt builds the analysis request sent to the model for v.
func VulnerabilityPrompt(v models.Vulnerability) string {
	var sb strings.Builder

	sb.WriteString("Please analyze the following vulnerability in detail:\n")
	fmt.Fprintf(&sb, "Name: %s\n", orDefault(v.Name, "Unknown vulnerability"))
	fmt.Fprintf(&sb, "CVE ID: %s\n", orDefault(v.CVEID, "No CVE ID"))
	fmt.Fprintf(&sb, "Risk level: %s\n", orDefault(v.RiskLevel, "Unknown risk"))
	if v.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", v.Description)
	}
	if len(v.AffectedAssets) > 0 {
		fmt.Fprintf(&sb, "Affected assets: %s\n", strings.Join(v.AffectedAssets, ", "))
	}
	if v.Status != "" {
		fmt.Fprintf(&sb, "Status: %s\n", v.Status)
	}

	sb.WriteString("\nCover the following:\n")
	sb.WriteString("1. What the vulnerability is and how it can be exploited.\n")
	sb.WriteString("2. Realistic attack scenarios and their impact on the affected assets.\n")
	sb.WriteString("3. Concrete remediation steps, including temporary mitigations.\n")
	sb.WriteString("4. How to verify that the fix is effective.\n")

	return sb.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
