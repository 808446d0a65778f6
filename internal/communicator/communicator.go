package communicator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/bilal/switchify-netmon/internal/protocol"
)

const (
	maxBatch       = 100
	maxAttempts    = 6
	defaultBackoff = 500 * time.Millisecond
)

// Communicator batches accepted reports and posts them to the backend with
// retries. Record never blocks the supervisor: when the queue is full the
// oldest item is dropped.
type Communicator struct {
	endpoint     string
	client       *http.Client
	token        string
	runID        string
	host         string
	queue        chan Telemetry
	sendInterval time.Duration
	baseDelay    time.Duration
	log          zerolog.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the sink; it does NOT start the send loop.
func New(cfg config.BackendConfig, runID string) *Communicator {
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		},
	}

	token := ""
	if cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}

	maxQ := cfg.MaxQueueSize
	if maxQ <= 0 {
		maxQ = 1000
	}
	interval := cfg.SendInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	host, _ := os.Hostname()

	return &Communicator{
		endpoint:     cfg.URL,
		client:       client,
		token:        token,
		runID:        runID,
		host:         host,
		queue:        make(chan Telemetry, maxQ),
		sendInterval: interval,
		baseDelay:    defaultBackoff,
		log:          log.With().Str("component", "communicator").Logger(),
		quit:         make(chan struct{}),
	}
}

// Start background sender loop. Call once.
func (c *Communicator) Start() {
	c.wg.Add(1)
	go c.loop()
	c.log.Info().Str("endpoint", c.endpoint).Int("queue_capacity", cap(c.queue)).Msg("communicator started")
}

// Shutdown stops the loop after a final flush, or gives up when ctx expires.
func (c *Communicator) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() { close(c.quit) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info().Msg("communicator shutdown complete")
	case <-ctx.Done():
		c.log.Warn().Msg("communicator shutdown timeout")
	}
}

// Record enqueues one accepted report.
func (c *Communicator) Record(snap protocol.TelemetrySnapshot) {
	c.Send(newTelemetry(c.runID, c.host, snap))
}

// Send enqueues a telemetry item, dropping the oldest one if the queue is full.
func (c *Communicator) Send(t Telemetry) {
	select {
	case c.queue <- t:
		return
	default:
	}

	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- t:
	default:
		c.log.Warn().Str("interface", t.Snapshot.Interface).Msg("telemetry dropped: queue full")
	}
}

func (c *Communicator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sendInterval)
	defer ticker.Stop()

	buffer := make([]Telemetry, 0, maxBatch)
	flush := func() {
		if len(buffer) > 0 {
			c.flushWithRetry(buffer)
			buffer = buffer[:0]
		}
	}

	for {
		select {
		case <-c.quit:
			for {
				select {
				case t := <-c.queue:
					buffer = append(buffer, t)
				default:
					flush()
					return
				}
			}

		case t := <-c.queue:
			buffer = append(buffer, t)
			if len(buffer) >= maxBatch {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushWithRetry posts the batch, retrying with exponential backoff and
// jitter. Backoff waits are cut short by Shutdown.
func (c *Communicator) flushWithRetry(items []Telemetry) {
	payload, err := json.Marshal(items)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal telemetry failed")
		return
	}
	correlation := items[0].CorrelationID

	for attempt := 1; ; attempt++ {
		err := c.post(payload, correlation)
		if err == nil {
			c.log.Debug().Int("count", len(items)).Str("correlation", correlation).Msg("telemetry posted")
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Int("count", len(items)).Msg("telemetry post failed")

		if attempt >= maxAttempts {
			c.log.Error().Int("attempts", attempt).Msg("max attempts reached, dropping telemetry batch")
			return
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseDelay
		jitter := time.Duration(rand.Int63n(int64(c.baseDelay) + 1))

		select {
		case <-time.After(backoff + jitter):
		case <-c.quit:
			c.log.Warn().Int("count", len(items)).Msg("shutdown during backoff, dropping telemetry batch")
			return
		}
	}
}

func (c *Communicator) post(payload []byte, correlation string) error {
	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlation)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return nil
}
