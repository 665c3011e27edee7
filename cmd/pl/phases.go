package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/ledger"
)

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Act on a phase"}
	cmd.AddCommand(phaseShowCmd())
	cmd.AddCommand(phasePayCmd())
	cmd.AddCommand(phaseActionCmd("verify", "Confirm a sent payment (verifier)", (*engine.Engine).VerifyPayment))
	cmd.AddCommand(phaseActionCmd("request-funds", "Request release of the phase funds (contractor)", (*engine.Engine).RequestFundsRelease))
	cmd.AddCommand(phaseActionCmd("release", "Release requested funds (verifier)", (*engine.Engine).ReleaseFunds))
	cmd.AddCommand(phaseReportCmd())
	cmd.AddCommand(phaseRequestReportCmd())
	cmd.AddCommand(phaseActionCmd("request-completion", "Ask the client to approve the phase (contractor)", (*engine.Engine).RequestCompletion))
	cmd.AddCommand(phaseActionCmd("approve", "Approve completion and advance the execution (client)", (*engine.Engine).ApproveCompletion))
	cmd.AddCommand(phasePermissionsCmd())
	return cmd
}

// settled waits for simulated confirmations so the printed phase shows
// where they left it.
func settled(ctx context.Context, ws *app.Workspace, ph domain.Phase) (domain.Phase, error) {
	if !ws.Engine.Scheduler.Simulated() {
		return ph, nil
	}
	ws.Engine.Scheduler.Wait()
	return ws.Engine.GetPhase(ctx, ph.ID)
}

func printPhase(ph domain.Phase) error {
	if viper.GetBool("json") {
		return printJSON(ph)
	}
	fmt.Printf("Phase %d %s (%s): %s\n", ph.Number, ph.Name, ph.ID, ph.Status)
	return nil
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <phase-id>",
		Short: "Show a phase with its reports and report requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ph, err := ws.Engine.GetPhase(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ph)
				}
				if err := printPhase(ph); err != nil {
					return err
				}
				fmt.Printf("Budget %s, paid %s\n", formatMoney(ph.Budget), formatMoney(ph.PaidAmount))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Report", "Type", "Title", "By", "Uploaded"})
				for _, rep := range ph.Reports {
					tw.AppendRow(table.Row{rep.ID, rep.Type, rep.Title, rep.UploadedBy, rep.UploadedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				if len(ph.ReportRequests) > 0 {
					rt := table.NewWriter()
					rt.SetOutputMirror(os.Stdout)
					rt.AppendHeader(table.Row{"Request", "Message", "By", "Status"})
					for _, rr := range ph.ReportRequests {
						rt.AppendRow(table.Row{rr.ID, rr.Message, rr.RequestedBy, rr.Status})
					}
					rt.Render()
				}
				return nil
			})
		},
	}
}

func phasePayCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "pay <phase-id>",
		Short: "Declare the phase payment sent (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ph, err := ws.Engine.SendPayment(ctx, args[0], currentActor(), amount)
				if err != nil {
					return err
				}
				if ph, err = settled(ctx, ws, ph); err != nil {
					return err
				}
				return printPhase(ph)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount paid, normally the phase budget")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

type phaseFunc func(*engine.Engine, context.Context, string, domain.Actor) (domain.Phase, error)

func phaseActionCmd(use, short string, fn phaseFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <phase-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ph, err := fn(ws.Engine, ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if ph, err = settled(ctx, ws, ph); err != nil {
					return err
				}
				return printPhase(ph)
			})
		},
	}
}

func phaseReportCmd() *cobra.Command {
	var in ledger.ReportInput
	var reportType string
	cmd := &cobra.Command{
		Use:   "report <phase-id>",
		Short: "Upload a work report (contractor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Type = domain.ReportType(reportType)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rep, err := ws.Engine.UploadReport(ctx, args[0], currentActor(), in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Uploaded report %s\n", rep.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", string(domain.ReportProgress), "progress, milestone, issue or additional")
	cmd.Flags().StringVar(&in.Title, "title", "", "report title")
	cmd.Flags().StringVar(&in.Description, "description", "", "report body")
	cmd.Flags().StringSliceVar(&in.FileRefs, "file-ref", nil, "reference to uploaded evidence (repeatable)")
	cmd.Flags().StringVar(&in.RequestID, "request", "", "report request this answers")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func phaseRequestReportCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "request-report <phase-id>",
		Short: "Ask the contractor for an additional report (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				req, err := ws.Engine.RequestAdditionalReport(ctx, args[0], currentActor(), message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("Requested report %s\n", req.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "what the report should cover")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func phasePermissionsCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "permissions <phase-id>",
		Short: "Show what a role may do on the phase right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				role = string(currentActor().Role)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				perms, err := ws.Engine.GetPermissions(ctx, args[0], domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(perms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", role})
				tw.AppendRows([]table.Row{
					{"send payment", perms.CanSendPayment},
					{"request funds", perms.CanRequestFunds},
					{"upload report", perms.CanUploadReport},
					{"request report", perms.CanRequestReport},
					{"request completion", perms.CanRequestCompletion},
					{"approve completion", perms.CanApproveCompletion},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "for", "", "role to check (defaults to --role)")
	return cmd
}
