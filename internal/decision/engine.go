package decision

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/bilal/switchify-netmon/internal/protocol"
)

type LinkHealth string

const (
	Healthy    LinkHealth = "HEALTHY"
	Degraded   LinkHealth = "DEGRADED"
	Down       LinkHealth = "DOWN"
	Recovering LinkHealth = "RECOVERING"
)

type linkState struct {
	health     LinkHealth
	last       protocol.TelemetrySnapshot
	hasLast    bool
	lastSwitch time.Time
	goodTicks  int
}

// DecisionEngine classifies every reported interface from its consecutive
// snapshots. A down link is flagged immediately; error and drop noise only
// flags a link once the cooldown since its last transition has passed.
type DecisionEngine struct {
	mu    sync.Mutex
	cfg   config.ThresholdConfig
	links map[string]*linkState
	log   zerolog.Logger
	now   func() time.Time
}

func NewEngine(cfg config.ThresholdConfig, logger zerolog.Logger) *DecisionEngine {
	if cfg.RecoveryTicks < 1 {
		cfg.RecoveryTicks = 1
	}
	return &DecisionEngine{
		cfg:   cfg,
		links: make(map[string]*linkState),
		log:   logger,
		now:   time.Now,
	}
}

// Evaluate folds snap into the interface's history and returns its health.
func (e *DecisionEngine) Evaluate(snap protocol.TelemetrySnapshot) LinkHealth {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls, ok := e.links[snap.Interface]
	if !ok {
		ls = &linkState{health: Healthy, lastSwitch: e.now()}
		e.links[snap.Interface] = ls
	}

	down := snap.Degraded()
	noisy := ls.hasLast && e.noisy(ls.last, snap)
	ls.last, ls.hasLast = snap, true

	now := e.now()
	next := ls.health

	switch ls.health {
	case Healthy:
		if down {
			next = Down
		} else if noisy && now.Sub(ls.lastSwitch) >= e.cfg.Cooldown {
			next = Degraded
		}

	case Degraded:
		if down {
			next = Down
		} else if !noisy {
			next = Recovering
		}

	case Down:
		if !down {
			next = Recovering
		}

	case Recovering:
		switch {
		case down:
			next = Down
		case noisy:
			next = Degraded
		default:
			ls.goodTicks++
			if ls.goodTicks >= e.cfg.RecoveryTicks {
				next = Healthy
			}
		}
	}

	if next == Recovering && ls.health != Recovering && e.cfg.RecoveryTicks <= 1 {
		next = Healthy
	}

	if next != ls.health {
		e.log.Info().
			Str("interface", snap.Interface).
			Str("from", string(ls.health)).
			Str("to", string(next)).
			Msg("link health changed")
		ls.health = next
		ls.lastSwitch = now
		ls.goodTicks = 0
		if next == Recovering {
			ls.goodTicks = 1
		}
	}
	return ls.health
}

// Record satisfies the supervisor's snapshot recorder.
func (e *DecisionEngine) Record(snap protocol.TelemetrySnapshot) {
	e.Evaluate(snap)
}

// States returns the current health of every interface seen so far.
func (e *DecisionEngine) States() map[string]LinkHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]LinkHealth, len(e.links))
	for name, ls := range e.links {
		out[name] = ls.health
	}
	return out
}

func (e *DecisionEngine) noisy(prev, cur protocol.TelemetrySnapshot) bool {
	errs := sum(cur.RxErrors, prev.RxErrors) + sum(cur.TxErrors, prev.TxErrors)
	drops := sum(cur.RxDropped, prev.RxDropped) + sum(cur.TxDropped, prev.TxDropped)
	return errs > e.cfg.MaxErrorDelta || drops > e.cfg.MaxDropDelta
}

func sum(cur, prev protocol.Counter) uint64 {
	d, _ := cur.Delta(prev)
	return d
}
