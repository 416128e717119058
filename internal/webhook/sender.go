package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// EventTest is sent only by Test.
const EventTest = "test"

var ErrUnknownEndpoint = errors.New("unknown webhook endpoint")

type Payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Data      core.JobEvent `json:"data"`
	Signature string        `json:"signature,omitempty"`
}

// Endpoint is one subscriber. An empty Events list subscribes to every
// event.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

func (e Endpoint) wants(event string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, event)
}

type Config struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	endpoint Endpoint
	payload  *Payload
	attempt  int
}

// Sender delivers job events to the configured endpoints as signed JSON
// POSTs. It implements core.EventSink; Publish never blocks and drops
// events when the queue is full.
type Sender struct {
	endpoints  []Endpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *zap.Logger
}

func NewSender(config Config, logger *zap.Logger) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sender{
		endpoints: config.Endpoints,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		workers:    config.WorkerCount,
		queue:      make(chan *task, config.QueueSize),
		stopCh:     make(chan struct{}),
		logger:     logger,
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Run starts the workers and blocks until ctx ends.
func (s *Sender) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Sender) Publish(event core.JobEvent) {
	for _, endpoint := range s.endpoints {
		if !endpoint.wants(event.Type) {
			continue
		}
		t := &task{
			endpoint: endpoint,
			payload: &Payload{
				Event:     event.Type,
				Timestamp: event.Timestamp,
				Data:      event,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook",
				zap.String("url", endpoint.URL),
				zap.String("event", event.Type),
				zap.Int64("job_id", event.JobID))
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					zap.Int("worker", id),
					zap.String("url", t.endpoint.URL),
					zap.String("event", t.payload.Event),
					zap.Int("attempts", t.attempt),
					zap.Error(err))
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(context.Background(), t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Debug("webhook retry scheduled",
				zap.String("url", t.endpoint.URL),
				zap.Int("attempt", t.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-s.stopCh:
				return errors.New("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("http error: %d", e.code) }

func (s *Sender) sendRequest(ctx context.Context, endpoint Endpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	payload.Signature = ""
	if endpoint.Secret != "" {
		payload.Signature = Sign(dataBytes, endpoint.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Endpoints returns the configured subscribers.
func (s *Sender) Endpoints() []Endpoint {
	return slices.Clone(s.endpoints)
}

// Test delivers a synthetic event to the endpoint at index once, bypassing
// the queue and the retry policy.
func (s *Sender) Test(ctx context.Context, index int) error {
	if index < 0 || index >= len(s.endpoints) {
		return ErrUnknownEndpoint
	}
	now := time.Now().UTC()
	payload := &Payload{
		Event:     EventTest,
		Timestamp: now,
		Data:      core.JobEvent{Type: EventTest, Timestamp: now},
	}
	return s.sendRequest(ctx, s.endpoints[index], payload)
}

// Sign returns the hex HMAC-SHA256 of data under secret.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
