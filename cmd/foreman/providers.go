package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/service"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = cellStyle.Foreground(lipgloss.Color("10"))
	badStyle    = cellStyle.Foreground(lipgloss.Color("9"))
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show providers, credentials and capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		renderProviders(cmd.OutOrStdout(), svc.Providers())
		return nil
	},
}

var providersModelsCmd = &cobra.Command{
	Use:   "models <provider>",
	Short: "List candidate models for a provider, preferred first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		ms, err := svc.Models(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Fprintln(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Set persisted per-provider preferences",
}

var prefsModelCmd = &cobra.Command{
	Use:   "set-model <provider> <model>",
	Short: "Set the preferred model of a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.SetPreferredModel(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s preferred model set to %s\n", args[0], args[1])
		return nil
	},
}

var prefsCostModeCmd = &cobra.Command{
	Use:   "set-cost-mode <provider> <economy|balanced|premium>",
	Short: "Set the cost mode of a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.SetCostMode(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s cost mode set to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	providersCmd.AddCommand(providersModelsCmd)
	prefsCmd.AddCommand(prefsModelCmd)
	prefsCmd.AddCommand(prefsCostModeCmd)
}

// openService builds the runtime without starting the queue.
func openService(ctx context.Context) (*service.Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return service.New(ctx, cfg)
}

func renderProviders(w io.Writer, infos []service.ProviderInfo) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PROVIDER", "KIND", "CREDENTIAL", "AVAILABLE", "RPM", "IN FLIGHT", "SPEND", "MODEL", "COST MODE")

	for _, p := range infos {
		cred := string(p.CredentialSource)
		if p.CredentialKey == "" {
			cred = "n/a"
		}
		model := p.PreferredModel
		if model == "" {
			model = "-"
		}
		spend := fmt.Sprintf("$%.2f", p.SpendToday)
		if p.DailyBudget > 0 {
			spend += fmt.Sprintf(" / $%.2f", p.DailyBudget)
		}
		t.Row(
			p.Name,
			string(p.Kind),
			cred,
			strconv.FormatBool(p.Available),
			fmt.Sprintf("%d/%d", p.Capacity.RecentCalls, p.Capacity.Limits.RequestsPerMinute),
			fmt.Sprintf("%d/%d", p.Capacity.InFlight, p.Capacity.Limits.MaxConcurrent),
			spend,
			model,
			string(p.CostMode),
		)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if col == 3 && row >= 0 && row < len(infos) {
			if infos[row].Available {
				return okStyle
			}
			return badStyle
		}
		return cellStyle
	})

	fmt.Fprintln(w, t.Render())
}

// credentialLabel describes a credential for display without revealing it.
func credentialLabel(creds *config.Credentials, key string) string {
	if key == "" {
		return "n/a"
	}
	v, ok := creds.Credential(key)
	if !ok {
		return "(not set)"
	}
	return fmt.Sprintf("%s (%s)", config.MaskKey(v), creds.Source(key))
}
