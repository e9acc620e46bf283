package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"archiflow/internal/config"
	"archiflow/internal/domain"
	"archiflow/internal/events"
	"archiflow/internal/logging"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookQueueSize      = 64
)

// WebhookForwarder posts contract change events to the configured webhooks.
// Events are queued on publish and delivered in order by one goroutine.
type WebhookForwarder struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan domain.ChangeEvent
	cancel func()
	wg     sync.WaitGroup
	once   sync.Once
}

// StartWebhookForwarder subscribes to bus and starts delivering. It returns
// nil when no webhook is enabled. Call Stop to drain the queue.
func StartWebhookForwarder(bus *events.Bus, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookForwarder {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 || bus == nil {
		return nil
	}
	f := &WebhookForwarder{
		webhooks: enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logging.OrNop(logger).Named("webhooks"),
		queue:    make(chan domain.ChangeEvent, webhookQueueSize),
	}
	f.cancel = bus.Subscribe(f.enqueue)
	f.wg.Add(1)
	go f.run()
	return f
}

// enqueue may still be called by a Publish that began before Stop; such
// events are dropped.
func (f *WebhookForwarder) enqueue(evt domain.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.logger.Debug("webhook forwarder stopped, dropping event", zap.String("type", evt.Type), zap.String("contract_id", evt.ContractID))
		return
	}
	select {
	case f.queue <- evt:
	default:
		f.logger.Warn("webhook queue full, dropping event", zap.String("type", evt.Type), zap.String("contract_id", evt.ContractID))
	}
}

// Stop unsubscribes, delivers what is already queued and waits for it.
func (f *WebhookForwarder) Stop() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.cancel()
		f.mu.Lock()
		f.closed = true
		close(f.queue)
		f.mu.Unlock()
	})
	f.wg.Wait()
}

func (f *WebhookForwarder) run() {
	defer f.wg.Done()
	ctx := context.Background()
	for evt := range f.queue {
		for _, hook := range f.webhooks {
			if !newEventFilter(hook.Events).match(evt.Type) {
				continue
			}
			if err := f.postEvent(ctx, hook, evt); err != nil {
				f.logger.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.String("type", evt.Type), zap.Error(err))
			}
		}
	}
}

type webhookEvent struct {
	DeliveryID string `json:"delivery_id"`
	Type       string `json:"type"`
	ContractID string `json:"contract_id"`
	Field      string `json:"field,omitempty"`
	TS         string `json:"ts"`
}

func (f *WebhookForwarder) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.ChangeEvent) error {
	delivery := uuid.NewString()
	data, err := json.Marshal(webhookEvent{
		DeliveryID: delivery,
		Type:       evt.Type,
		ContractID: evt.ContractID,
		Field:      evt.Field,
		TS:         evt.TS,
	})
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Archiflow-Event", evt.Type)
	req.Header.Set("X-Archiflow-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Archiflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	f.logger.Debug("webhook delivered", zap.String("url", hook.URL), zap.String("delivery", delivery))
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
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
