package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/ledger"
	"phaseline/internal/repo"
)

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "execution", Aliases: []string{"exec"}, Short: "Manage project executions"}
	cmd.AddCommand(executionCreateCmd())
	cmd.AddCommand(executionListCmd())
	cmd.AddCommand(executionShowCmd())
	cmd.AddCommand(executionStatusCmd("pause", "Pause an execution (verifier)", (*engine.Engine).PauseExecution))
	cmd.AddCommand(executionStatusCmd("resume", "Resume a paused execution (verifier)", (*engine.Engine).ResumeExecution))
	cmd.AddCommand(executionStatusCmd("cancel", "Cancel an execution (client or verifier)", (*engine.Engine).CancelExecution))
	return cmd
}

func executionCreateCmd() *cobra.Command {
	var filePath, id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution from a YAML phase plan",
		Long: `The plan file holds project_title, client_id, contractor_id, total_budget
and a phases list of {name, description, budget, duration_days}.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var opts engine.CreateExecutionOptions
			if err := yaml.Unmarshal(data, &opts); err != nil {
				return fmt.Errorf("invalid plan yaml: %w", err)
			}
			if id != "" {
				opts.ID = id
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				exec, err := ws.Engine.CreateExecution(ctx, opts, currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exec)
				}
				fmt.Printf("Created execution %s (%d phases)\n", exec.ID, len(exec.Phases))
				renderPhases(exec)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the YAML phase plan")
	cmd.Flags().StringVar(&id, "id", "", "execution id (generated when empty)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func executionListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ExecutionStatus(status)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Client", "Contractor", "Budget", "Status", "Phase"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.ProjectTitle, e.ClientID, e.ContractorID, formatMoney(e.TotalBudget), e.Status, e.CurrentPhaseIndex + 1})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ContractorID, "contractor", "", "contractor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func executionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show an execution with its phases and progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := executionArg(args)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.GetExecutionSnapshot(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Execution: %s - %s (%s)\n", snap.ID, snap.ProjectTitle, snap.Status)
				fmt.Printf("Client: %s  Contractor: %s  Budget: %s\n", snap.ClientID, snap.ContractorID, formatMoney(snap.TotalBudget))
				fmt.Printf("Progress: %d/%d phases (%.0f%%), paid %s, released %s\n",
					snap.Progress.CompletedPhases, snap.Progress.TotalPhases, snap.Progress.Percent,
					formatMoney(snap.Progress.PaidAmount), formatMoney(snap.Progress.ReleasedBudget))
				renderPhases(snap.Execution)
				return nil
			})
		},
	}
	return cmd
}

func renderPhases(exec domain.Execution) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "#", "ID", "Name", "Budget", "Paid", "Status", "Reports", "Pending requests"})
	for i, ph := range exec.Phases {
		marker := ""
		if i == exec.CurrentPhaseIndex && exec.Status == domain.ExecutionActive {
			marker = ">"
		}
		tw.AppendRow(table.Row{marker, ph.Number, ph.ID, ph.Name, formatMoney(ph.Budget), formatMoney(ph.PaidAmount), ph.Status, len(ph.Reports), len(ledger.Outstanding(ph))})
	}
	tw.Render()
}

type statusFunc func(*engine.Engine, context.Context, string, domain.Actor, string) (domain.Execution, error)

func executionStatusCmd(use, short string, fn statusFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := executionArg(args)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				exec, err := fn(ws.Engine, ctx, id, currentActor(), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exec)
				}
				fmt.Printf("Execution %s is now %s\n", exec.ID, exec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the action log")
	return cmd
}
