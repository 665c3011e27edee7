package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

const planYAML = `project_title: Kitchen remodel
client_id: alice
contractor_id: bob
total_budget: 3000
phases:
  - name: Demolition
    budget: 1000
    duration_days: 5
  - name: Cabinets
    budget: 2000
    duration_days: 10
`

func TestCLIPhaseFlow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(t, "init", "-w", dir))
	assert.FileExists(t, config.Path(dir))
	require.Error(t, run(t, "init", "-w", dir), "init refuses to overwrite without --force")

	plan := filepath.Join(dir, "plan.yml")
	require.NoError(t, os.WriteFile(plan, []byte(planYAML), 0o644))
	require.NoError(t, run(t, "execution", "create", "--file", plan, "--id", "kitchen", "-w", dir, "--role", "client", "--actor-id", "alice"))

	ws, err := app.Open(context.Background(), dir)
	require.NoError(t, err)
	snap, err := ws.Engine.GetExecutionSnapshot(context.Background(), "kitchen")
	require.NoError(t, err)
	ws.Close()
	require.Len(t, snap.Phases, 2)
	first := snap.Phases[0].ID

	require.NoError(t, run(t, "phase", "pay", first, "--amount", "1000", "-w", dir, "--role", "client", "--actor-id", "alice"))
	err = run(t, "phase", "request-funds", first, "-w", dir, "--role", "contractor", "--actor-id", "bob")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = run(t, "phase", "verify", first, "-w", dir, "--role", "contractor", "--actor-id", "bob")
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	require.NoError(t, run(t, "phase", "verify", first, "-w", dir, "--role", "verifier", "--actor-id", "vera"))

	ws, err = app.Open(context.Background(), dir)
	require.NoError(t, err)
	defer ws.Close()
	ph, err := ws.Engine.GetPhase(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePaymentVerified, ph.Status)
	assert.Equal(t, int64(1000), ph.PaidAmount)
}

func TestCLIAPIKeyCreate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(t, "apikey", "create", "--actor", "alice", "--role", "client", "--name", "laptop", "-w", dir))

	ws, err := app.Open(context.Background(), dir)
	require.NoError(t, err)
	defer ws.Close()
	keys, err := ws.Engine.Repo.ListAPIKeys(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, domain.RoleClient, keys[0].Role)
	assert.Equal(t, "laptop", keys[0].Name)
	assert.Len(t, keys[0].KeyHash, 64)
}

func TestExecutionArgFallsBackToFlag(t *testing.T) {
	viper.Set("execution", "")
	_, err := executionArg(nil)
	require.Error(t, err)

	viper.Set("execution", "ex-1")
	defer viper.Set("execution", "")
	id, err := executionArg(nil)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", id)

	id, err = executionArg([]string{" ex-2 "})
	require.NoError(t, err)
	assert.Equal(t, "ex-2", id)
}

func TestSettledWaitsForSimulatedConfirmation(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), func(c *config.Config) {
		c.Verification.Mode = config.ModeSimulated
		c.Verification.PaymentDelay = 10 * time.Millisecond
	})
	require.NoError(t, err)
	defer ws.Close()
	client := domain.Actor{Role: domain.RoleClient, ID: "alice"}
	exec, err := ws.Engine.CreateExecution(ctx, engine.CreateExecutionOptions{
		ProjectTitle: "Shed", ClientID: "alice", ContractorID: "bob", TotalBudget: 400,
		Phases: []engine.PhasePlan{{Name: "base", Budget: 400, DurationDays: 2}},
	}, client)
	require.NoError(t, err)

	ph, err := ws.Engine.SendPayment(ctx, exec.Phases[0].ID, client, 400)
	require.NoError(t, err)
	require.Equal(t, domain.PhasePaymentSent, ph.Status)
	ph, err = settled(ctx, ws, ph)
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePaymentVerified, ph.Status)
}
