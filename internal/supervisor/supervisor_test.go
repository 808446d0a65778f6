package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilal/switchify-netmon/internal/monitor"
	"github.com/bilal/switchify-netmon/internal/protocol"
	"github.com/bilal/switchify-netmon/internal/registry"
)

// journal is a shared, ordered record of what agents and the supervisor did.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

// Record makes the journal a report recorder.
func (j *journal) Record(snap protocol.TelemetrySnapshot) {
	j.add("report %s %s", snap.Interface, snap.State)
}

type scriptedSource struct {
	mu     sync.Mutex
	states map[string][]string
	calls  map[string]int
}

func (s *scriptedSource) Query(_ context.Context, name string) (protocol.TelemetrySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.states[name]
	if len(states) == 0 {
		states = []string{protocol.StateUp}
	}
	n := s.calls[name]
	s.calls[name] = n + 1
	return protocol.TelemetrySnapshot{
		Interface: name,
		State:     states[min(n, len(states)-1)],
		RxBytes:   protocol.Known(uint64(100 * (n + 1))),
		TxBytes:   protocol.Known(uint64(50 * (n + 1))),
	}, nil
}

type journalLink struct{ j *journal }

func (l journalLink) SetUp(_ context.Context, name string) error {
	l.j.add("setup %s", name)
	return nil
}

type agentFunc func(ctx context.Context, socket, resource string) error

// fakeProc runs an agent in a goroutine; Interrupt cancels it.
type fakeProc struct {
	pid         int
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	interrupted atomic.Bool
	killed      atomic.Bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Interrupt() error {
	p.interrupted.Store(true)
	p.cancel()
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.cancel()
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	socket string
	agents map[string]agentFunc
	fail   map[string]error

	mu    sync.Mutex
	procs map[string]*fakeProc
}

func (l *fakeLauncher) Launch(_ context.Context, resource string) (Process, error) {
	if err := l.fail[resource]; err != nil {
		return nil, err
	}
	run, ok := l.agents[resource]
	if !ok {
		return nil, fmt.Errorf("no agent for %s", resource)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	p := &fakeProc{pid: 4000 + len(l.procs), cancel: cancel, done: make(chan struct{})}
	l.procs[resource] = p
	l.mu.Unlock()

	go func() {
		defer close(p.done)
		p.err = run(ctx, l.socket, resource)
	}()
	return p, nil
}

func (l *fakeLauncher) proc(resource string) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[resource]
}

// monitorAgent is the real agent loop with scripted collaborators.
func monitorAgent(src *scriptedSource, j *journal) agentFunc {
	return func(ctx context.Context, socket, resource string) error {
		return monitor.New(monitor.Options{
			Resource:   resource,
			SocketPath: socket,
			Tick:       20 * time.Millisecond,
			Source:     src,
			Link:       journalLink{j},
			Logger:     zerolog.Nop(),
		}).Run(ctx)
	}
}

// crashingAgent handshakes, reports once and drops the connection.
func crashingAgent(ctx context.Context, socket, resource string) error {
	conn, err := protocol.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteMessage(protocol.New(protocol.Ready)); err != nil {
		return err
	}
	if _, err := conn.ReadMessage(); err != nil {
		return err
	}
	if err := conn.WriteMessage(protocol.New(protocol.Monitoring)); err != nil {
		return err
	}
	snap := protocol.TelemetrySnapshot{Interface: resource, State: protocol.StateUp}
	if err := conn.WriteMessage(protocol.NewReport(snap)); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return errors.New("crashed")
}

// rudeAgent skips Ready and waits to be disconnected.
func rudeAgent(ctx context.Context, socket, _ string) error {
	conn, err := protocol.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteMessage(protocol.New(protocol.Monitoring)); err != nil {
		return err
	}
	_, err = conn.ReadMessageContext(ctx)
	return err
}

// silentAgent never connects.
func silentAgent(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return nil
}

// syncBuffer collects log lines from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) messages(msg string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		var rec map[string]any
		if json.Unmarshal(line, &rec) == nil && rec["message"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

type fixture struct {
	sup      *Supervisor
	launcher *fakeLauncher
	journal  *journal
	logs     *syncBuffer
	socket   string
	cancel   context.CancelFunc
	errc     chan error
}

func socketPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are short; t.TempDir can exceed the limit
	dir, err := os.MkdirTemp("", "nm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "netmon.sock")
}

func setup(t *testing.T, resources []string, agents map[string]agentFunc, tweak func(*Options)) *fixture {
	t.Helper()
	socket := socketPath(t)
	f := &fixture{
		launcher: &fakeLauncher{socket: socket, agents: agents, procs: map[string]*fakeProc{}},
		journal:  &journal{},
		logs:     &syncBuffer{},
		socket:   socket,
		errc:     make(chan error, 1),
	}
	opts := Options{
		SocketPath:    socket,
		Resources:     resources,
		Launcher:      f.launcher,
		AcceptTimeout: 2 * time.Second,
		PollInterval:  50 * time.Millisecond,
		DrainPeriod:   2 * time.Second,
		ReapTimeout:   2 * time.Second,
		WriteTimeout:  time.Second,
		Recorders:     []Recorder{f.journal},
		Logger:        zerolog.New(f.logs),
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.sup = New(opts)
	return f
}

func (f *fixture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.errc <- f.sup.Run(ctx) }()
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func (f *fixture) monitoring(resource string) bool {
	return f.sup.Registry().State(resource) == registry.Monitoring
}

func (f *fixture) reports(resource string) uint64 {
	for _, v := range f.sup.Registry().Views() {
		if v.Resource == resource {
			return v.Reports
		}
	}
	return 0
}

func TestAgentsHandshakeAndReport(t *testing.T) {
	j := &journal{}
	src := &scriptedSource{calls: map[string]int{}}
	f := setup(t, []string{"lo", "eth0"}, map[string]agentFunc{
		"lo":   monitorAgent(src, j),
		"eth0": monitorAgent(src, j),
	}, nil)

	// leftover socket from a previous run
	require.NoError(t, os.WriteFile(f.socket, nil, 0o600))

	f.start()
	require.Eventually(t, func() bool {
		return f.monitoring("lo") && f.monitoring("eth0") && f.reports("lo") > 0 && f.reports("eth0") > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.sup.Registry().Len())

	views := f.sup.Registry().Views()
	require.Len(t, views, 2)
	assert.Equal(t, "lo", views[0].Resource)
	assert.Equal(t, "eth0", views[1].Resource)
	assert.Equal(t, "lo", views[0].LastReported)

	f.cancel()
	require.NoError(t, f.wait(t))

	assert.Zero(t, f.sup.Registry().Len())
	assert.Len(t, f.logs.messages("agent done"), 2)
	for _, res := range []string{"lo", "eth0"} {
		p := f.launcher.proc(res)
		assert.True(t, p.interrupted.Load(), res)
		assert.True(t, p.exited(), res)
		assert.NoError(t, p.err, res)
	}
	_, err := os.Stat(f.socket)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReportsAreLoggedWithSnapshot(t *testing.T) {
	src := &scriptedSource{calls: map[string]int{}}
	f := setup(t, []string{"lo"}, map[string]agentFunc{"lo": monitorAgent(src, &journal{})}, nil)

	f.start()
	require.Eventually(t, func() bool { return f.reports("lo") > 0 }, 5*time.Second, 10*time.Millisecond)
	f.cancel()
	require.NoError(t, f.wait(t))

	logged := f.logs.messages("report")
	require.NotEmpty(t, logged)
	first := logged[0]
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "lo", first["resource"])

	snap, ok := first["snapshot"].(map[string]any)
	require.True(t, ok, "snapshot is logged as an object: %v", first)
	assert.Equal(t, "lo", snap["interface"])
	assert.Equal(t, protocol.StateUp, snap["state"])
	assert.Equal(t, float64(100), snap["rx_bytes"])
	assert.Equal(t, float64(50), snap["tx_bytes"])
	assert.Contains(t, snap, "rx_errors")
	assert.Nil(t, snap["rx_errors"], "unknown counters stay null")
}

func TestLinkDownIsRemediatedBeforeNextReport(t *testing.T) {
	j := &journal{}
	src := &scriptedSource{
		states: map[string][]string{"eth0": {protocol.StateDown, protocol.StateUp}},
		calls:  map[string]int{},
	}
	f := setup(t, []string{"lo", "eth0"}, map[string]agentFunc{
		"lo":   monitorAgent(src, j),
		"eth0": monitorAgent(src, j),
	}, func(o *Options) { o.Recorders = []Recorder{j} })

	f.start()
	require.Eventually(t, func() bool { return j.count("report eth0 up") > 0 }, 5*time.Second, 10*time.Millisecond)

	var eth0 []string
	for _, e := range j.snapshot() {
		if e == "setup eth0" || e == "report eth0 down" || e == "report eth0 up" {
			eth0 = append(eth0, e)
		}
	}
	require.GreaterOrEqual(t, len(eth0), 3)
	assert.Equal(t, []string{"setup eth0", "report eth0 down", "report eth0 up"}, eth0[:3])
	assert.Equal(t, 1, j.count("setup eth0"))
	assert.Zero(t, j.count("setup lo"))

	for _, v := range f.sup.Registry().Views() {
		if v.Resource == "eth0" {
			assert.Equal(t, uint64(1), v.Remediations)
		}
	}

	f.cancel()
	require.NoError(t, f.wait(t))
	assert.Zero(t, f.sup.Registry().Len())
}

func TestCrashedAgentIsRemoved(t *testing.T) {
	j := &journal{}
	src := &scriptedSource{calls: map[string]int{}}
	f := setup(t, []string{"lo", "eth0"}, map[string]agentFunc{
		"lo":   crashingAgent,
		"eth0": monitorAgent(src, j),
	}, nil)

	f.start()
	require.Eventually(t, func() bool {
		_, ok := f.sup.Registry().Get("lo")
		return !ok && f.monitoring("eth0")
	}, 5*time.Second, 10*time.Millisecond)

	seen := f.reports("eth0")
	require.Eventually(t, func() bool { return f.reports("eth0") > seen+2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.sup.Registry().Len())
	assert.Len(t, f.logs.messages("agent disconnected"), 1)

	f.cancel()
	require.NoError(t, f.wait(t))
	assert.True(t, f.launcher.proc("lo").exited())
	assert.True(t, f.launcher.proc("eth0").exited())
}

func TestProtocolViolationClosesOnlyThatConnection(t *testing.T) {
	j := &journal{}
	src := &scriptedSource{calls: map[string]int{}}
	f := setup(t, []string{"eth1", "lo"}, map[string]agentFunc{
		"eth1": rudeAgent,
		"lo":   monitorAgent(src, j),
	}, nil)

	f.start()
	require.Eventually(t, func() bool {
		_, ok := f.sup.Registry().Get("eth1")
		return !ok && f.reports("lo") > 0
	}, 5*time.Second, 10*time.Millisecond)

	violations := f.logs.messages("protocol violation")
	require.Len(t, violations, 1)
	assert.Equal(t, "eth1", violations[0]["resource"])

	// the rude agent sees the supervisor hang up
	require.Eventually(t, f.launcher.proc("eth1").exited, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.launcher.proc("eth1").err, protocol.ErrPeerClosed)

	f.cancel()
	require.NoError(t, f.wait(t))
}

func TestAcceptTimeoutFailsFast(t *testing.T) {
	j := &journal{}
	src := &scriptedSource{calls: map[string]int{}}
	f := setup(t, []string{"lo", "eth0", "eth1"}, map[string]agentFunc{
		"lo":   monitorAgent(src, j),
		"eth0": silentAgent,
		"eth1": monitorAgent(src, j),
	}, func(o *Options) { o.AcceptTimeout = 200 * time.Millisecond })

	f.start()
	err := f.wait(t)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "eth0", spawnErr.Resource)
	assert.Equal(t, "accept", spawnErr.Op)

	assert.Nil(t, f.launcher.proc("eth1"), "no agent spawned after the failure")
	for _, res := range []string{"lo", "eth0"} {
		p := f.launcher.proc(res)
		assert.True(t, p.interrupted.Load(), res)
		assert.True(t, p.exited(), res)
	}
	assert.Zero(t, f.sup.Registry().Len())
}

func TestLaunchFailure(t *testing.T) {
	boom := errors.New("exec format error")
	f := setup(t, []string{"lo"}, map[string]agentFunc{}, nil)
	f.launcher.fail = map[string]error{"lo": boom}

	f.start()
	err := f.wait(t)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "launch", spawnErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestExitWhenEmpty(t *testing.T) {
	doneAgent := func(ctx context.Context, socket, resource string) error {
		conn, err := protocol.Dial(ctx, socket)
		if err != nil {
			return err
		}
		defer conn.Close()
		for _, k := range []protocol.Kind{protocol.Ready, protocol.Monitoring, protocol.Done} {
			if err := conn.WriteMessage(protocol.New(k)); err != nil {
				return err
			}
			if k == protocol.Ready {
				if _, err := conn.ReadMessage(); err != nil {
					return err
				}
			}
		}
		return nil
	}
	f := setup(t, []string{"lo"}, map[string]agentFunc{"lo": doneAgent}, func(o *Options) { o.ExitWhenEmpty = true })

	f.start()
	defer f.cancel()
	require.NoError(t, f.wait(t))
	assert.Len(t, f.logs.messages("agent done"), 1)
	assert.True(t, f.launcher.proc("lo").exited())
}

func TestShutdownWithoutAgents(t *testing.T) {
	f := setup(t, nil, nil, nil)
	f.start()
	f.cancel()
	require.NoError(t, f.wait(t))
}

// stubbornProc ignores interrupts and only exits once killed.
type stubbornProc struct {
	pid     int
	killErr error
	once    sync.Once
	dead    chan struct{}
	kills   atomic.Int32
}

func (p *stubbornProc) PID() int         { return p.pid }
func (p *stubbornProc) Interrupt() error { return nil }

func (p *stubbornProc) Kill() error {
	p.kills.Add(1)
	p.once.Do(func() { close(p.dead) })
	return p.killErr
}

func (p *stubbornProc) Wait() error {
	<-p.dead
	return errors.New("signal: killed")
}

func TestReapKillsStubbornAgentsAndReportsErrors(t *testing.T) {
	logs := &syncBuffer{}
	s := New(Options{ReapTimeout: 50 * time.Millisecond, Logger: zerolog.New(logs)})

	stubborn := &stubbornProc{pid: 7001, dead: make(chan struct{})}
	failing := &stubbornProc{pid: 7002, dead: make(chan struct{}), killErr: errors.New("operation not permitted")}
	clean := &fakeProc{pid: 7003, done: make(chan struct{})}
	close(clean.done)
	s.procs = []spawned{{"eth0", stubborn}, {"eth1", failing}, {"lo", clean}}

	err := s.reapOne(s.procs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eth0 (pid 7001)")
	assert.Contains(t, err.Error(), "signal: killed")
	assert.EqualValues(t, 1, stubborn.kills.Load())

	err = s.reapOne(s.procs[1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kill: operation not permitted")
	assert.NoError(t, s.reapOne(s.procs[2]))

	s.reap()
	warned := logs.messages("agents did not exit cleanly")
	require.Len(t, warned, 1)
	msg, _ := warned[0]["error"].(string)
	assert.Contains(t, msg, "eth0 (pid 7001)")
	assert.Contains(t, msg, "eth1 (pid 7002)")
	assert.NotContains(t, msg, "lo (pid")
	assert.Len(t, logs.messages("agents reaped"), 1)
}
