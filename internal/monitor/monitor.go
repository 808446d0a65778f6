// Package monitor is the per-interface agent: it connects to the supervisor,
// performs the handshake, then reports telemetry every tick and asks for
// remediation whenever its interface is down.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bilal/switchify-netmon/internal/ifstats"
	"github.com/bilal/switchify-netmon/internal/protocol"
	"github.com/bilal/switchify-netmon/internal/shutdown"
)

// ErrUnexpectedMessage is returned when the supervisor sends something the
// agent is not waiting for.
var ErrUnexpectedMessage = errors.New("unexpected message from supervisor")

// MetricsSource reads the current state and counters of an interface.
type MetricsSource interface {
	Query(ctx context.Context, resource string) (protocol.TelemetrySnapshot, error)
}

// LinkController brings an interface administratively up.
type LinkController interface {
	SetUp(ctx context.Context, resource string) error
}

type Options struct {
	Resource     string
	SocketPath   string
	Tick         time.Duration
	WriteTimeout time.Duration
	Source       MetricsSource
	Link         LinkController
	Logger       zerolog.Logger

	// Dial overrides how the supervisor connection is opened.
	Dial func(ctx context.Context) (*protocol.Conn, error)
}

type Monitor struct {
	opts Options
	conn *protocol.Conn
	log  zerolog.Logger
}

func New(opts Options) *Monitor {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Dial == nil {
		path := opts.SocketPath
		opts.Dial = func(ctx context.Context) (*protocol.Conn, error) {
			return protocol.Dial(ctx, path)
		}
	}
	return &Monitor{
		opts: opts,
		log:  opts.Logger.With().Str("resource", opts.Resource).Logger(),
	}
}

// Run drives the agent until ctx is cancelled, then sends Done. It returns
// nil after a graceful shutdown and an error for anything fatal.
func (m *Monitor) Run(ctx context.Context) error {
	conn, err := m.opts.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to supervisor: %w", err)
	}
	conn.SetWriteTimeout(m.opts.WriteTimeout)
	m.conn = conn
	defer conn.Close()

	if err := m.handshake(ctx); err != nil {
		if stopped(err) {
			m.teardown()
			return nil
		}
		return fmt.Errorf("handshake: %w", err)
	}
	m.log.Info().Dur("tick", m.opts.Tick).Msg("monitoring")

	for !shutdown.Requested(ctx) {
		if err := m.tick(ctx); err != nil {
			if stopped(err) {
				break
			}
			if errors.Is(err, ifstats.ErrNotFound) {
				m.teardown()
			}
			return err
		}
		if !m.sleep(ctx) {
			break
		}
	}

	m.teardown()
	return nil
}

func (m *Monitor) handshake(ctx context.Context) error {
	if err := m.conn.WriteMessage(protocol.New(protocol.Ready)); err != nil {
		return err
	}

	msg, err := m.conn.ReadMessageContext(ctx)
	if err != nil {
		return err
	}
	if msg.Kind != protocol.Monitor {
		return fmt.Errorf("%w: %s while waiting for %s", ErrUnexpectedMessage, msg, protocol.Monitor)
	}

	return m.conn.WriteMessage(protocol.New(protocol.Monitoring))
}

// tick collects one snapshot, remediates if needed and reports it.
func (m *Monitor) tick(ctx context.Context) error {
	snap, err := m.opts.Source.Query(ctx, m.opts.Resource)
	switch {
	case errors.Is(err, ifstats.ErrNotFound):
		m.log.Error().Err(err).Msg("interface disappeared")
		return err
	case err != nil:
		m.log.Warn().Err(err).Msg("partial telemetry")
	}
	if snap.Interface == "" {
		snap.Interface = m.opts.Resource
	}

	if snap.Degraded() {
		if err := m.remediate(ctx); err != nil {
			return err
		}
	}

	m.log.Debug().
		Str("state", snap.State).
		Str("rx_bytes", snap.RxBytes.String()).
		Str("tx_bytes", snap.TxBytes.String()).
		Msg("report")
	return m.conn.WriteMessage(protocol.NewReport(snap))
}

// remediate announces the link is down and waits for the supervisor's go
// ahead. The wait is the only place the agent blocks on the supervisor and
// gives up as soon as ctx is cancelled.
func (m *Monitor) remediate(ctx context.Context) error {
	m.log.Warn().Msg("link down, requesting remediation")
	if err := m.conn.WriteMessage(protocol.New(protocol.LinkDown)); err != nil {
		return err
	}

	msg, err := m.conn.ReadMessageContext(ctx)
	if err != nil {
		return err
	}
	if msg.Kind != protocol.SetLinkUp {
		return fmt.Errorf("%w: %s while waiting for %s", ErrUnexpectedMessage, msg, protocol.SetLinkUp)
	}

	// best effort, retried on the next tick if the link is still down
	if err := m.opts.Link.SetUp(ctx, m.opts.Resource); err != nil {
		m.log.Error().Err(err).Msg("failed to set link up")
		return nil
	}
	m.log.Info().Msg("link set up")
	return nil
}

func (m *Monitor) sleep(ctx context.Context) bool {
	t := time.NewTimer(m.opts.Tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// teardown tells the supervisor we are done. Failures are only logged.
func (m *Monitor) teardown() {
	if err := m.conn.WriteMessage(protocol.New(protocol.Done)); err != nil {
		m.log.Warn().Err(err).Msg("failed to report done")
		return
	}
	m.log.Info().Msg("done")
}

func stopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
