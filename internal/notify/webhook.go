// Package notify forwards key state changes to sinks outside the process.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/internal/models"
)

var (
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_webhook_events_total",
			Help: "Key events forwarded to the webhook by result",
		},
		[]string{"result"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(webhookEventsTotal)
	})
}

// Sink receives key events. It has the same method set as the engine's
// event sink so either can be passed where the other is expected.
type Sink interface {
	PublishKeyEvent(event models.KeyEvent)
}

// Fanout publishes every event to each of its sinks in order
type Fanout []Sink

func (f Fanout) PublishKeyEvent(event models.KeyEvent) {
	for _, s := range f {
		s.PublishKeyEvent(event)
	}
}

// WebhookConfig configures a WebhookSink
type WebhookConfig struct {
	URL     string
	Workers int
	Buffer  int
	Timeout time.Duration
	// Types limits forwarded events; empty forwards all
	Types  []models.KeyEventType
	Logger logrus.FieldLogger
}

// WebhookSink posts key events as JSON to an HTTP endpoint, for example an
// alerting gateway. Events are queued and sent by background workers; when
// the queue is full they are dropped.
type WebhookSink struct {
	url        string
	types      map[models.KeyEventType]bool
	httpClient *http.Client
	buffer     chan models.KeyEvent
	logger     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewWebhookSink starts the sink's workers
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WebhookSink{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		buffer:     make(chan models.KeyEvent, cfg.Buffer),
		logger:     cfg.Logger.WithField("component", "webhook"),
		ctx:        ctx,
		cancel:     cancel,
	}
	if len(cfg.Types) > 0 {
		s.types = make(map[models.KeyEventType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			s.types[t] = true
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// PublishKeyEvent queues event for delivery. It never blocks.
func (s *WebhookSink) PublishKeyEvent(event models.KeyEvent) {
	if s.types != nil && !s.types[event.Type] {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.buffer <- event:
	default:
		webhookEventsTotal.WithLabelValues("dropped").Inc()
		s.logger.WithField("key", event.Key).Warn("Webhook buffer full, dropping key event")
	}
}

func (s *WebhookSink) worker() {
	defer s.wg.Done()

	for event := range s.buffer {
		if err := s.send(event); err != nil {
			webhookEventsTotal.WithLabelValues("error").Inc()
			s.logger.WithError(err).WithFields(logrus.Fields{
				"key":  event.Key,
				"type": event.Type,
			}).Warn("Failed to forward key event")
			continue
		}
		webhookEventsTotal.WithLabelValues("sent").Inc()
	}
}

func (s *WebhookSink) send(event models.KeyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be sent until ctx
// is done; what is left is abandoned.
func (s *WebhookSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.buffer)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
