package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create phaseline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				fmt.Printf("Initialized workspace %s (config %s, schema version %d)\n", ws.Dir, path, ws.SchemaVersion)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the action log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.ActionFilters
	var outcome string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ExecutionID = strings.TrimSpace(viper.GetString("execution"))
			f.Outcome = domain.Outcome(outcome)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				records, err := ws.Engine.ListActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Action", "Phase", "Actor", "Outcome", "Error"})
				for _, rec := range records {
					actor := domain.Actor{Role: rec.ActorRole, ID: rec.ActorID}
					tw.AppendRow(table.Row{rec.ID, rec.TS.Format(time.RFC3339), rec.Action, rec.PhaseID, actor.String(), rec.Outcome, rec.ErrorKind})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVar(&f.PhaseID, "phase", "", "phase filter")
	cmd.Flags().StringVar(&outcome, "outcome", "", "applied or rejected")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "pl_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   strings.TrimSpace(actorID),
				Role:      domain.Role(strings.ToLower(role)),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC(),
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "role": string(key.Role), "key": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "", "client, contractor or verifier")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					BasePath: basePath,
					Log:      ws.Log,
					Auth: server.AuthConfig{
						JWTSecret:               secret,
						AllowLegacyActorHeaders: ws.Config.LegacyHeadersEnabled(),
						DevLogin:                devLogin,
						Logger:                  ws.Log,
					},
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(ws.Engine.Repo, ws.Config.Webhooks, ws.Log)
				hooks.Start(ctx)
				defer hooks.Stop()

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				ws.Log.Info("serving phaseline API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("verification_mode", ws.Config.Verification.Mode))
				fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login for local tokens")
	return cmd
}
