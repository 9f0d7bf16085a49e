package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	titleStyle = lipgloss.NewStyle().
			Bold(true)

	cveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	riskStyles = map[string]lipgloss.Style{
		"critical": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		"high":     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"medium":   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		"low":      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

func newVulnsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vulns",
		Short: "Manage the local vulnerability catalogue",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import vulnerabilities from a YAML list",
		Long:  "Import vulnerabilities from a YAML list. A record whose id is already catalogued replaces the stored one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vulns, err := readVulnerabilities(args[0])
			if err != nil {
				return err
			}

			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var added, updated int
			for _, v := range vulns {
				id, isUpdate, err := importVulnerability(cmd.Context(), db, v)
				if err != nil {
					return fmt.Errorf("failed to import %s: %w", v.Title(), err)
				}
				action := "added"
				if isUpdate {
					action = "updated"
					updated++
				} else {
					added++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", idStyle.Render(id), v.Title(), action)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d vulnerabilities (%d added, %d updated)\n",
				len(vulns), added, updated)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogued vulnerabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			vulns, err := db.Vulnerabilities(cmd.Context())
			if err != nil {
				return err
			}
			printVulnerabilities(cmd.OutOrStdout(), vulns)
			return nil
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

// importVulnerability replaces the catalogued record with v's id, or adds v when there is none.
func importVulnerability(ctx context.Context, db services.BoltDB, v models.Vulnerability) (string, bool, error) {
	if v.ID != "" {
		err := db.UpdateVulnerability(ctx, v)
		if err == nil {
			return v.ID, true, nil
		}
		if !errors.Is(err, services.ErrNotFound) {
			return "", false, err
		}
	}

	id, err := db.AddVulnerability(ctx, v)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func readVulnerabilities(path string) ([]models.Vulnerability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening vulnerability file: %w", err)
	}
	defer f.Close()

	var vulns []models.Vulnerability
	if err := yaml.NewDecoder(f).Decode(&vulns); err != nil {
		return nil, fmt.Errorf("error decoding vulnerability file: %w", err)
	}
	return vulns, nil
}

func printVulnerabilities(w io.Writer, vulns []models.Vulnerability) {
	if len(vulns) == 0 {
		fmt.Fprintln(w, "No vulnerabilities catalogued. Use 'vulnchat vulns import' to add some.")
		return
	}

	for _, v := range vulns {
		line := idStyle.Render(v.ID) + "  " + titleStyle.Render(v.Title())
		if v.CVEID != "" && v.CVEID != v.Title() {
			line += "  " + cveStyle.Render(v.CVEID)
		}
		if v.RiskLevel != "" {
			style, ok := riskStyles[strings.ToLower(v.RiskLevel)]
			if !ok {
				style = lipgloss.NewStyle()
			}
			line += "  " + style.Render(v.RiskLevel)
		}
		fmt.Fprintln(w, line)
	}
}
