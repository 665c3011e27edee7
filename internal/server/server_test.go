package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
	phaselinesdk "phaseline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL string
	WS  *app.Workspace
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ws, err := app.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   ws.Engine,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeaders: true, DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ws.Close()
	})
	return &testServer{URL: srv.URL, WS: ws}
}

func (s *testServer) as(role, id string) *phaselinesdk.Client {
	c := phaselinesdk.New(s.URL)
	c.Role = role
	c.ActorID = id
	return c
}

func (s *testServer) createExecution(t *testing.T, budgets ...int64) phaselinesdk.Execution {
	t.Helper()
	in := phaselinesdk.CreateExecution{ProjectTitle: "Kitchen remodel", ClientID: "alice", ContractorID: "bob"}
	for i, b := range budgets {
		in.TotalBudget += b
		in.Phases = append(in.Phases, phaselinesdk.PhasePlan{Name: "Phase " + string(rune('A'+i)), Budget: b, DurationDays: 7})
	}
	exec, err := s.as("client", "alice").CreateExecution(context.Background(), in)
	require.NoError(t, err)
	return exec
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *phaselinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.StatusCode, apiErr.Body)
	assert.Equal(t, code, apiErr.Code)
}

func TestPhaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client, contractor, verifier := srv.as("client", "alice"), srv.as("contractor", "bob"), srv.as("verifier", "ops")

	exec := srv.createExecution(t, 30000)
	require.Len(t, exec.Phases, 1)
	phaseID := exec.Phases[0].ID

	ph, err := client.SendPayment(ctx, phaseID, 30000)
	require.NoError(t, err)
	assert.Equal(t, "payment_sent", ph.Status)
	_, err = verifier.VerifyPayment(ctx, phaseID)
	require.NoError(t, err)
	_, err = contractor.RequestFunds(ctx, phaseID)
	require.NoError(t, err)
	ph, err = verifier.ReleaseFunds(ctx, phaseID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", ph.Status)

	rep, err := contractor.UploadReport(ctx, phaseID, phaselinesdk.NewReport{Title: "tiles laid", FileRefs: []string{"photo-1"}})
	require.NoError(t, err)
	assert.Equal(t, "bob", rep.UploadedBy)
	_, err = contractor.RequestCompletion(ctx, phaseID)
	require.NoError(t, err)
	ph, err = client.ApproveCompletion(ctx, phaseID)
	require.NoError(t, err)
	assert.Equal(t, "completed", ph.Status)

	snap, err := client.Execution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Status)
	assert.NotEmpty(t, snap.ActualEndDate)
	assert.Equal(t, 1, snap.Progress.CompletedPhases)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client, contractor := srv.as("client", "alice"), srv.as("contractor", "bob")
	exec := srv.createExecution(t, 1000)
	phaseID := exec.Phases[0].ID

	_, err := contractor.SendPayment(ctx, phaseID, 1000)
	requireAPIError(t, err, http.StatusForbidden, "permission_denied")

	_, err = client.SendPayment(ctx, phaseID, 0)
	requireAPIError(t, err, http.StatusBadRequest, "validation_error")

	_, err = client.ApproveCompletion(ctx, phaseID)
	requireAPIError(t, err, http.StatusConflict, "invalid_transition")

	_, err = client.SendPayment(ctx, "missing", 1000)
	requireAPIError(t, err, http.StatusNotFound, "not_found")

	_, err = srv.as("client", "mallory").Execution(ctx, exec.ID)
	requireAPIError(t, err, http.StatusForbidden, "permission_denied")

	_, err = phaselinesdk.New(srv.URL).Execution(ctx, exec.ID)
	requireAPIError(t, err, http.StatusUnauthorized, "unauthorized")

	_, err = srv.as("system", "system").Execution(ctx, exec.ID)
	requireAPIError(t, err, http.StatusForbidden, "permission_denied")
}

func TestCompletionWithoutReportIsPreconditionFailed(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	exec := srv.createExecution(t, 1000)
	phaseID := exec.Phases[0].ID
	e := srv.WS.Engine

	_, err := e.SendPayment(ctx, phaseID, domain.Actor{Role: domain.RoleClient, ID: "alice"}, 1000)
	require.NoError(t, err)
	_, err = e.VerifyPayment(ctx, phaseID, domain.Actor{Role: domain.RoleVerifier})
	require.NoError(t, err)
	_, err = e.RequestFundsRelease(ctx, phaseID, domain.Actor{Role: domain.RoleContractor, ID: "bob"})
	require.NoError(t, err)
	_, err = e.ReleaseFunds(ctx, phaseID, domain.Actor{Role: domain.RoleVerifier})
	require.NoError(t, err)

	_, err = srv.as("contractor", "bob").RequestCompletion(ctx, phaseID)
	requireAPIError(t, err, http.StatusUnprocessableEntity, "precondition_failed")
}

func TestPermissionsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	exec := srv.createExecution(t, 1000, 2000)

	perms, err := srv.as("client", "alice").Permissions(ctx, exec.Phases[0].ID, "")
	require.NoError(t, err)
	assert.True(t, perms.CanSendPayment)
	assert.False(t, perms.CanApproveCompletion)

	perms, err = srv.as("client", "alice").Permissions(ctx, exec.Phases[1].ID, "")
	require.NoError(t, err)
	assert.Equal(t, phaselinesdk.Permissions{}, perms)

	perms, err = srv.as("verifier", "ops").Permissions(ctx, exec.Phases[0].ID, "contractor")
	require.NoError(t, err)
	assert.False(t, perms.CanRequestFunds)
}

func TestBearerAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	exec := srv.createExecution(t, 1000)

	token, err := signDevToken(testSecret, "alice", domain.RoleClient, time.Minute)
	require.NoError(t, err)
	bearer := phaselinesdk.New(srv.URL)
	bearer.BearerToken = token
	snap, err := bearer.Execution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, snap.ID)

	forged, err := signDevToken("other-secret", "alice", domain.RoleClient, time.Minute)
	require.NoError(t, err)
	bearer.BearerToken = forged
	_, err = bearer.Execution(ctx, exec.ID)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")

	require.NoError(t, srv.WS.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "key-1", ActorID: "bob", Role: domain.RoleContractor, KeyHash: repo.HashAPIKey("s3cret"),
	}))
	keyed := phaselinesdk.New(srv.URL)
	keyed.APIKey = "s3cret"
	perms, err := keyed.Permissions(ctx, exec.Phases[0].ID, "")
	require.NoError(t, err)
	assert.False(t, perms.CanSendPayment)

	keyed.APIKey = "wrong"
	_, err = keyed.Execution(ctx, exec.ID)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestActionLogPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := srv.as("client", "alice")
	exec := srv.createExecution(t, 1000)
	phaseID := exec.Phases[0].ID

	_, err := srv.as("contractor", "bob").SendPayment(ctx, phaseID, 1000)
	require.Error(t, err)
	_, err = client.SendPayment(ctx, phaseID, 1000)
	require.NoError(t, err)

	page, err := client.ActionsPage(ctx, exec.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "sendPayment", page.Items[0].Action)
	assert.Equal(t, "applied", page.Items[0].Outcome)
	assert.Equal(t, "rejected", page.Items[1].Outcome)
	assert.Equal(t, "PermissionDenied", page.Items[1].ErrorKind)
	require.NotEmpty(t, page.NextCursor)

	page, err = client.ActionsPage(ctx, exec.ID, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "createExecution", page.Items[0].Action)
	assert.Empty(t, page.NextCursor)
}

func TestPublicEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, p := range []string{"/v0/health", "/metrics", "/v0/openapi.json"} {
		res, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, p)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/openapi.json")
	require.NoError(t, err)
	defer res.Body.Close()

	var doc struct {
		Paths map[string]map[string]struct {
			Tags      []string                   `json:"tags"`
			Security  []map[string][]string      `json:"security"`
			Responses map[string]json.RawMessage `json:"responses"`
		} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&doc))

	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKeyAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "actorRole")

	approve := doc.Paths["/v0/phases/{phase_id}/completion/approve"]["post"]
	assert.Equal(t, []string{"phases"}, approve.Tags)
	assert.NotEmpty(t, approve.Security)
	assert.Contains(t, approve.Responses, "409")
	assert.Contains(t, approve.Responses, "default")

	assert.Empty(t, doc.Paths["/v0/health"]["get"].Security)
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookAction
	var headers []http.Header
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a webhookAction
		_ = json.Unmarshal(body, &a)
		mu.Lock()
		got = append(got, a)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer receiver.Close()

	srv := newTestServer(t)
	ctx := context.Background()
	exec := srv.createExecution(t, 1000)
	r := srv.WS.Engine.Repo

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: receiver.URL, Actions: []string{"sendPayment"}, Secret: "shh"}}, nil)
	require.NotNil(t, d)
	d.DispatchAll(ctx)
	assert.Empty(t, got, "history before the first round is not replayed")

	_, err := srv.as("client", "alice").SendPayment(ctx, exec.Phases[0].ID, 1000)
	require.NoError(t, err)
	_, err = srv.as("contractor", "bob").RequestFunds(ctx, exec.Phases[0].ID)
	require.Error(t, err)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "sendPayment", got[0].Action)
	assert.Equal(t, exec.ID, got[0].ExecutionID)
	assert.Equal(t, "shh", headers[0].Get("X-Phaseline-Secret"))
	assert.Equal(t, "sendPayment", headers[0].Get("X-Phaseline-Action"))

	latest, err := r.LatestActionID(ctx)
	require.NoError(t, err)
	cursor, err := r.WebhookCursor(ctx, receiver.URL)
	require.NoError(t, err)
	assert.LessOrEqual(t, cursor, latest)
	assert.Equal(t, got[0].ID, cursor)
}

func TestWebhookDispatcherSkipsDisabled(t *testing.T) {
	off := false
	assert.Nil(t, NewWebhookDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}}, nil))
	assert.Nil(t, NewWebhookDispatcher(repo.Repo{}, nil, nil))
}

func TestWebhookRetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
	}))
	defer receiver.Close()

	srv := newTestServer(t)
	ctx := context.Background()
	exec := srv.createExecution(t, 500)
	r := srv.WS.Engine.Repo

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: receiver.URL}}, nil)
	require.NotNil(t, d)
	d.DispatchAll(ctx)

	_, err := srv.as("client", "alice").SendPayment(ctx, exec.Phases[0].ID, 500)
	require.NoError(t, err)
	d.DispatchAll(ctx)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	latest, err := r.LatestActionID(ctx)
	require.NoError(t, err)
	cursor, err := r.WebhookCursor(ctx, receiver.URL)
	require.NoError(t, err)
	assert.Equal(t, latest, cursor)
}
