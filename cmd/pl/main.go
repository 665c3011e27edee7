package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline tracks a contracted project phase by phase.
Core concepts:
- Execution: the accepted offer being carried out, split into ordered phases with their own budgets.
- Phase lifecycle: pending -> payment_sent -> payment_verified -> funds_requested -> funds_released -> in_progress -> completion_requested -> completed.
- Roles: the client pays and approves, the contractor requests funds and reports work, the verifier confirms payments and releases funds.
- Reports: evidence uploaded by the contractor; completion cannot be requested without at least one.
- Current phase: only phases up to the current one accept actions; approving a phase moves the pointer on.
- Action log: every attempt, applied or rejected, view it with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "actor identifier")
	flags.String("role", "", "acting role: client, contractor or verifier")
	flags.String("execution", "", "execution id used when a command needs one")
	flags.String("log-level", "", "override the configured log level")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "execution", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), func(c *config.Config) {
		if lvl := viper.GetString("log-level"); lvl != "" {
			c.Log.Level = lvl
		}
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func currentActor() domain.Actor {
	return domain.Actor{
		Role: domain.Role(strings.ToLower(strings.TrimSpace(viper.GetString("role")))),
		ID:   strings.TrimSpace(viper.GetString("actor-id")),
	}
}

// executionArg picks the positional id or falls back to --execution.
func executionArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if id := strings.TrimSpace(viper.GetString("execution")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("execution not specified; pass an id or use --execution")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMoney(v int64) string {
	return fmt.Sprintf("%d", v)
}
