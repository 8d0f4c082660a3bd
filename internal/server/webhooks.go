package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the audit log and posts matching events to each
// org's registered webhooks. Delivery is at-least-once per hook; a failed
// post stalls that hook's cursor until the target recovers.
type webhookDispatcher struct {
	engine  engine.Engine
	client  *http.Client
	mu      sync.Mutex
	cursors map[string]int64
}

func startWebhookDispatcher(e engine.Engine) {
	timeout := defaultWebhookTimeout
	if e.Config != nil && e.Config.Webhooks.TimeoutSeconds > 0 {
		timeout = time.Duration(e.Config.Webhooks.TimeoutSeconds) * time.Second
	}
	d := &webhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: timeout},
		cursors: make(map[string]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	ctx := context.Background()
	rows, err := d.engine.DB.QueryContext(ctx, `SELECT DISTINCT org_id FROM webhooks`)
	if err != nil {
		log.Printf("webhook: list orgs failed: %v", err)
		return
	}
	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			rows.Close()
			log.Printf("webhook: scan org failed: %v", err)
			return
		}
		orgs = append(orgs, org)
	}
	rows.Close()
	for _, org := range orgs {
		hooks, err := d.engine.Repo.ListWebhooks(ctx, org)
		if err != nil {
			log.Printf("webhook: list hooks for %s failed: %v", org, err)
			continue
		}
		for _, hook := range hooks {
			d.dispatchWebhook(ctx, hook)
		}
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook domain.Webhook) {
	cursor := d.cursorFor(ctx, hook)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, hook.OrgID)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.EventTypesJSON)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.ID, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hook domain.Webhook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur
	}
	// New hooks start at the tail; history is not replayed.
	cur, err := d.engine.Repo.LatestEventID(ctx, hook.OrgID)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[hook.ID] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(hookID string, value int64) {
	d.mu.Lock()
	d.cursors[hookID] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrgID      string          `json:"org_id"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook domain.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OrgID:      evt.OrgID,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Event", evt.Type)
	req.Header.Set("X-Caseflow-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Caseflow-Org", hook.OrgID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseflow-Signature", signPayload(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func signPayload(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(eventTypesJSON string) eventFilter {
	var events []string
	if eventTypesJSON != "" {
		_ = json.Unmarshal([]byte(eventTypesJSON), &events)
	}
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
