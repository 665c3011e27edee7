package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/logging"
	"phaseline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookAttempts = 3
)

// WebhookDispatcher posts applied actions to configured endpoints. Each
// endpoint keeps a delivery cursor in the database, so a restart resumes
// where it stopped instead of replaying history.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	retryCfg retry.Config

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWebhookDispatcher returns nil when no webhook is enabled.
func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) *WebhookDispatcher {
	var active []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logging.OrNop(log).Named("webhooks"),
		interval: defaultWebhookInterval,
		retryCfg: retry.Config{
			MaxAttempts:   defaultWebhookAttempts,
			InitialDelay:  100 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start polls the audit log until Stop is called or ctx ends.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}
	go d.run(ctx)
}

// Stop ends polling and waits for the current round to finish.
func (d *WebhookDispatcher) Stop() {
	if d == nil {
		return
	}
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending actions to every endpoint once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	log := d.log.With(zap.String("url", hook.URL))
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		log.Error("init webhook cursor", zap.Error(err))
		return
	}
	records, err := d.repo.ActionsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Error("fetch actions", zap.Error(err))
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, rec := range records {
		if filter.match(string(rec.Action)) {
			if err := d.deliver(ctx, hook, rec); err != nil {
				log.Warn("webhook delivery failed", zap.Int64("action_id", rec.ID), zap.Error(err))
				return
			}
		}
		if err := d.repo.SetWebhookCursor(ctx, hook.URL, rec.ID); err != nil {
			log.Error("store webhook cursor", zap.Error(err))
			return
		}
	}
}

// cursorFor starts new endpoints at the current end of the log.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, err := d.repo.WebhookCursor(ctx, hook.URL)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = d.repo.LatestActionID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.repo.SetWebhookCursor(ctx, hook.URL, cur)
}

type webhookAction struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Action      string         `json:"action"`
	ExecutionID string         `json:"execution_id,omitempty"`
	PhaseID     string         `json:"phase_id,omitempty"`
	ActorRole   string         `json:"actor_role"`
	ActorID     string         `json:"actor_id"`
	Details     map[string]any `json:"details,omitempty"`
}

// deliver retries a failed post with exponential backoff before giving up
// on the round; the cursor stays put so the next round tries again.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, rec domain.ActionRecord) error {
	r := retry.New[int](d.retryCfg)
	_, err := r.Do(ctx, func(ctx context.Context) (int, error) {
		return 0, d.post(ctx, hook, rec)
	})
	return err
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, rec domain.ActionRecord) error {
	data, err := json.Marshal(webhookAction{
		ID:          rec.ID,
		TS:          rec.TS.Format(time.RFC3339Nano),
		Action:      string(rec.Action),
		ExecutionID: rec.ExecutionID,
		PhaseID:     rec.PhaseID,
		ActorRole:   string(rec.ActorRole),
		ActorID:     rec.ActorID,
		Details:     rec.Details,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Action", string(rec.Action))
	req.Header.Set("X-Phaseline-Delivery", fmt.Sprintf("%d", rec.ID))
	if rec.ExecutionID != "" {
		req.Header.Set("X-Phaseline-Execution", rec.ExecutionID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
