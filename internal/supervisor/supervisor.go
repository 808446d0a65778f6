// Package supervisor spawns one agent per resource, drives the supervisor
// side of the protocol over every connection and coordinates shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bilal/switchify-netmon/internal/metrics"
	"github.com/bilal/switchify-netmon/internal/protocol"
	"github.com/bilal/switchify-netmon/internal/registry"
)

var errPeerUnsupported = errors.New("peer credentials not supported")

// ErrPeerMismatch is returned when an accepted connection does not come
// from the process just spawned.
var ErrPeerMismatch = errors.New("connection from unexpected process")

// SpawnError reports that the agent for Resource could not be started or
// did not connect.
type SpawnError struct {
	Resource string
	Op       string // launch, accept, verify or register
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Resource, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Recorder receives every report the supervisor accepts.
type Recorder interface {
	Record(snap protocol.TelemetrySnapshot)
}

type Options struct {
	SocketPath    string
	Resources     []string
	Launcher      Launcher
	AcceptTimeout time.Duration
	PollInterval  time.Duration
	DrainPeriod   time.Duration
	ReapTimeout   time.Duration
	WriteTimeout  time.Duration
	ExitWhenEmpty bool
	VerifyPeer    bool

	Registry  *registry.Registry
	Recorders []Recorder
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type event struct {
	resource string
	session  uuid.UUID
	msg      protocol.Message
	err      error
}

type spawned struct {
	resource string
	proc     Process
}

type Supervisor struct {
	opts Options
	reg  *registry.Registry
	log  zerolog.Logger

	events  chan event
	done    chan struct{}
	readers sync.WaitGroup
	procs   []spawned
}

func New(opts Options) *Supervisor {
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DrainPeriod <= 0 {
		opts.DrainPeriod = 3 * time.Second
	}
	if opts.ReapTimeout <= 0 {
		opts.ReapTimeout = 5 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Supervisor{
		opts:   opts,
		reg:    opts.Registry,
		log:    opts.Logger,
		events: make(chan event, 2*len(opts.Resources)+1),
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Run listens, spawns every agent and serves them until ctx is cancelled
// (or, with ExitWhenEmpty, until every connection is gone). It returns a
// *SpawnError if any agent fails to start; every spawned process has been
// reaped by the time Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := listen(s.opts.SocketPath)
	if err != nil {
		return err
	}
	defer func() {
		ln.Close()
		if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Msg("failed to remove socket")
		}
	}()
	s.log.Info().Str("socket", s.opts.SocketPath).Strs("resources", s.opts.Resources).Msg("supervisor listening")

	if err := s.spawnAll(ctx, ln); err != nil {
		s.log.Error().Err(err).Msg("startup failed, stopping agents")
		s.stop(false)
		return err
	}

	s.loop(ctx)
	s.stop(true)
	s.log.Info().Msg("supervisor stopped")
	return nil
}

func listen(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, &protocol.ChannelError{Op: "listen", Err: err}
	}
	return ln, nil
}

// spawnAll starts agents one at a time, accepting exactly one connection per
// spawn. A shutdown request stops it early without error.
func (s *Supervisor) spawnAll(ctx context.Context, ln *net.UnixListener) error {
	for _, res := range s.opts.Resources {
		if ctx.Err() != nil {
			s.log.Warn().Msg("shutdown requested during startup")
			return nil
		}
		if err := s.spawn(ctx, ln, res); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.opts.Metrics.SpawnFailure(ctx, res)
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, ln *net.UnixListener, res string) error {
	proc, err := s.opts.Launcher.Launch(ctx, res)
	if err != nil {
		return &SpawnError{Resource: res, Op: "launch", Err: err}
	}
	s.procs = append(s.procs, spawned{resource: res, proc: proc})
	log := s.log.With().Str("resource", res).Int("pid", proc.PID()).Logger()
	log.Info().Msg("agent spawned")

	nc, err := s.accept(ctx, ln)
	if err != nil {
		return &SpawnError{Resource: res, Op: "accept", Err: err}
	}

	if s.opts.VerifyPeer {
		pid, err := peerPID(nc)
		switch {
		case errors.Is(err, errPeerUnsupported):
			log.Debug().Msg("peer verification unavailable")
		case err != nil:
			nc.Close()
			return &SpawnError{Resource: res, Op: "verify", Err: err}
		case pid != proc.PID():
			nc.Close()
			return &SpawnError{Resource: res, Op: "verify", Err: fmt.Errorf("%w: pid %d", ErrPeerMismatch, pid)}
		}
	}

	conn := protocol.NewConn(nc)
	conn.SetWriteTimeout(s.opts.WriteTimeout)
	entry := registry.NewEntry(res, proc.PID(), conn)
	if err := s.reg.Register(entry); err != nil {
		conn.Close()
		return &SpawnError{Resource: res, Op: "register", Err: err}
	}
	s.opts.Metrics.AgentConnected(ctx)
	log.Info().Str("session", entry.Session.String()).Msg("agent connected")

	s.readers.Add(1)
	go s.read(entry)
	return nil
}

// accept waits for one connection, bounded by AcceptTimeout and ctx.
func (s *Supervisor) accept(ctx context.Context, ln *net.UnixListener) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(s.opts.AcceptTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { ln.SetDeadline(time.Now()) })
	defer stop()

	nc, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return nc, nil
}

// read frames one connection and forwards everything to the dispatch loop.
// It exits after the first error or once the supervisor is done.
func (s *Supervisor) read(e *registry.Entry) {
	defer s.readers.Done()
	for {
		msg, err := e.Conn.ReadMessage()
		select {
		case s.events <- event{resource: e.Resource, session: e.Session, msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			s.log.Info().Int("agents", s.reg.Len()).Msg("shutdown requested")
			return
		}
		if s.opts.ExitWhenEmpty && s.reg.Len() == 0 {
			s.log.Info().Msg("all agents disconnected")
			return
		}

		select {
		case ev := <-s.events:
			s.dispatch(ctx, ev, false)
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

// dispatch advances one connection by one event.
func (s *Supervisor) dispatch(ctx context.Context, ev event, draining bool) {
	e, ok := s.reg.Lookup(ev.resource, ev.session)
	if !ok {
		return
	}
	log := s.log.With().Str("resource", e.Resource).Int("pid", e.PID).Logger()
	state := s.reg.State(e.Resource)

	if ev.err != nil {
		var parseErr *protocol.ParseError
		switch {
		case errors.Is(ev.err, protocol.ErrPeerClosed):
			log.Warn().Str("state", state.String()).Msg("agent disconnected")
		case errors.As(ev.err, &parseErr):
			s.opts.Metrics.ProtocolViolation(ctx, e.Resource, "unparseable")
			log.Error().Err(ev.err).Msg("protocol violation")
		default:
			log.Error().Err(ev.err).Msg("read failed")
		}
		if !state.Handshaken() {
			s.opts.Metrics.SpawnFailure(ctx, e.Resource)
			log.Error().Msg("agent lost before monitoring started")
		}
		s.remove(ctx, e)
		return
	}

	step := transition(state, ev.msg.Kind, draining)
	switch step.Action {
	case SendMonitor:
		if !s.send(ctx, e, protocol.Monitor) {
			return
		}

	case SendSetLinkUp:
		log.Warn().Msg("link down, sending set link up")
		if !s.send(ctx, e, protocol.SetLinkUp) {
			return
		}
		s.reg.RecordRemediation(e.Resource)
		s.opts.Metrics.Remediation(ctx, e.Resource)

	case RecordReport:
		s.record(ctx, e, ev.msg.Snapshot)

	case Ignore:
		log.Debug().Str("message", ev.msg.String()).Msg("ignored while draining")

	case CloseDone:
		log.Info().Msg("agent done")
		s.remove(ctx, e)
		return

	case CloseViolation:
		s.opts.Metrics.ProtocolViolation(ctx, e.Resource, ev.msg.Kind.String())
		log.Error().Str("state", state.String()).Str("message", ev.msg.String()).Msg("protocol violation")
		s.remove(ctx, e)
		return
	}

	if step.Next != state {
		log.Debug().Str("from", state.String()).Str("to", step.Next.String()).Msg("state changed")
	}
	if err := s.reg.Advance(e.Resource, step.Next); err != nil {
		log.Error().Err(err).Msg("invalid transition")
		s.remove(ctx, e)
	}
}

func (s *Supervisor) send(ctx context.Context, e *registry.Entry, kind protocol.Kind) bool {
	if err := e.Conn.WriteMessage(protocol.New(kind)); err != nil {
		s.log.Error().Err(err).Str("resource", e.Resource).Str("message", kind.String()).Msg("write failed")
		s.remove(ctx, e)
		return false
	}
	return true
}

func (s *Supervisor) record(ctx context.Context, e *registry.Entry, snap protocol.TelemetrySnapshot) {
	if snap.Interface != e.Resource {
		s.log.Warn().Str("resource", e.Resource).Str("interface", snap.Interface).Msg("report for another interface")
	}
	s.reg.RecordReport(e.Resource, snap)
	s.opts.Metrics.Report(ctx, e.Resource)
	for _, r := range s.opts.Recorders {
		r.Record(snap)
	}
	s.log.Info().
		Str("resource", e.Resource).
		Interface("snapshot", snap).
		Msg("report")
}

func (s *Supervisor) remove(ctx context.Context, e *registry.Entry) {
	if _, ok := s.reg.Remove(e.Resource); !ok {
		return
	}
	e.Conn.Close()
	s.opts.Metrics.AgentDisconnected(ctx)
}

// stop interrupts every spawned agent, optionally drains their final
// messages, force-closes what is left and reaps every process.
func (s *Supervisor) stop(drain bool) {
	ctx := context.Background()

	for _, p := range s.procs {
		if err := p.proc.Interrupt(); err != nil {
			s.log.Debug().Err(err).Str("resource", p.resource).Msg("interrupt failed")
		}
	}

	if drain {
		s.drain(ctx)
	}

	for _, e := range s.reg.Entries() {
		s.log.Warn().Str("resource", e.Resource).Str("state", s.reg.State(e.Resource).String()).Msg("closing connection")
		s.remove(ctx, e)
	}
	close(s.done)
	s.readers.Wait()

	s.reap()
}

func (s *Supervisor) drain(ctx context.Context) {
	if s.reg.Len() == 0 {
		return
	}
	for _, e := range s.reg.Entries() {
		if err := s.reg.Advance(e.Resource, registry.AwaitingDoneOrReport); err != nil {
			s.log.Error().Err(err).Str("resource", e.Resource).Msg("invalid transition")
		}
	}
	s.log.Info().Int("agents", s.reg.Len()).Dur("period", s.opts.DrainPeriod).Msg("draining")

	timer := time.NewTimer(s.opts.DrainPeriod)
	defer timer.Stop()
	for s.reg.Len() > 0 {
		select {
		case ev := <-s.events:
			s.dispatch(ctx, ev, true)
		case <-timer.C:
			s.log.Warn().Int("agents", s.reg.Len()).Msg("drain period expired")
			return
		}
	}
}

// reap waits for every spawned process, killing the ones that outlive
// ReapTimeout.
func (s *Supervisor) reap() {
	var g errgroup.Group
	errs := make([]error, len(s.procs))
	for i, p := range s.procs {
		i, p := i, p
		g.Go(func() error {
			errs[i] = s.reapOne(p)
			return errs[i]
		})
	}
	if g.Wait() != nil {
		s.log.Warn().Err(errors.Join(errs...)).Msg("agents did not exit cleanly")
	}
	s.log.Info().Int("processes", len(s.procs)).Msg("agents reaped")
}

// reapOne waits for p, killing it after ReapTimeout. The returned error
// carries the kill failure, if any, and the exit status.
func (s *Supervisor) reapOne(p spawned) error {
	log := s.log.With().Str("resource", p.resource).Int("pid", p.proc.PID()).Logger()

	waited := make(chan error, 1)
	go func() { waited <- p.proc.Wait() }()

	timer := time.NewTimer(s.opts.ReapTimeout)
	defer timer.Stop()

	var err, killErr error
	select {
	case err = <-waited:
	case <-timer.C:
		log.Warn().Msg("agent did not exit, killing")
		if killErr = p.proc.Kill(); killErr != nil {
			log.Error().Err(killErr).Msg("kill failed")
			killErr = fmt.Errorf("kill: %w", killErr)
		}
		err = <-waited
	}

	if err = errors.Join(killErr, err); err != nil {
		log.Warn().Err(err).Msg("agent exited")
		return fmt.Errorf("%s (pid %d): %w", p.resource, p.proc.PID(), err)
	}
	log.Info().Msg("agent exited")
	return nil
}
