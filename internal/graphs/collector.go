// Package graphs implements the periodic custom graph collector: on
// each tick every registered script runs once, numeric outputs
// accumulate per graph, and a flush emits the batched payload while
// reconciling races against registry changes.
package graphs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hostbeat/agent/internal/model"
	"github.com/hostbeat/agent/internal/parallel"
	"github.com/hostbeat/agent/internal/script"
)

// RunFunc executes a script specification. It matches (*script.Executor).Run.
type RunFunc func(ctx context.Context, spec script.Spec) (script.Outcome, error)

// Limits are the fixed per-run bounds applied to every graph script.
type Limits struct {
	OutputLimit int
	TimeLimit   time.Duration
}

// graphState accumulates between flushes. Owned exclusively by the
// collector, guarded by Collector.mu.
type graphState struct {
	samples  []model.Sample
	errText  string
	lastHash string
}

// Collector owns per-graph run state and turns registry snapshots into
// periodic metric payloads.
type Collector struct {
	registry Registry
	run      RunFunc
	allow    model.Allowlist
	limits   Limits
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*graphState
}

func NewCollector(registry Registry, run RunFunc, allow model.Allowlist, limits Limits) *Collector {
	return &Collector{
		registry: registry,
		run:      run,
		allow:    allow,
		limits:   limits,
		now:      func() time.Time { return time.Now().UTC() },
		states:   make(map[string]*graphState),
	}
}

// WithNow exists for a unit testing only.
func (c *Collector) WithNow(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Tick runs every registered script once and merges results into the
// accumulated run state. Scripts run concurrently and the call returns
// only after every spawned one settled; one graph failing never aborts
// the others.
func (c *Collector) Tick(ctx context.Context) error {
	snap, err := c.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting registry: %w", err)
	}

	regs := make([]Registration, 0, len(snap))
	c.mu.Lock()
	for id, reg := range snap {
		if _, ok := c.states[id]; !ok {
			c.states[id] = &graphState{}
		}
		regs = append(regs, reg)
	}
	c.mu.Unlock()

	ts := c.now().Unix()
	parallel.ForEach(ctx, len(regs), regs, func(ctx context.Context, reg Registration) {
		c.collect(ctx, ts, reg)
	})
	return nil
}

func (c *Collector) collect(ctx context.Context, ts int64, reg Registration) {
	if reg.Owner != "" && !c.allow.Allows(reg.Owner) {
		c.setError(reg.GraphID, fmt.Sprintf("user %q is not allowed to execute scripts", reg.Owner))
		return
	}

	code, startHash, err := c.registry.Code(ctx, reg.GraphID)
	if err != nil {
		if !errors.Is(err, ErrNotRegistered) {
			c.setError(reg.GraphID, "reading script: "+err.Error())
		}
		return
	}

	outcome, err := c.run(ctx, script.Spec{
		Interpreter: reg.Interpreter,
		Code:        code,
		RunAs:       reg.Owner,
		OutputLimit: c.limits.OutputLimit,
		TimeLimit:   c.limits.TimeLimit,
	})

	// Re-read the registry before merging: the registration may have
	// been removed or replaced while the script ran.
	curHash, herr := c.registry.ContentHash(ctx, reg.GraphID)
	if errors.Is(herr, ErrNotRegistered) {
		// removed while running, the result produces no flush entry
		return
	}
	if herr == nil && curHash != startHash {
		// replaced while running, the result belongs to the old script;
		// the next flush picks up the fresh hash with empty values
		slog.DebugContext(ctx, "script replaced while running, discarding result",
			"graph_id", reg.GraphID)
		return
	}

	switch {
	case err != nil:
		c.setError(reg.GraphID, script.Describe(err))
	case outcome.Status == script.StatusTimedOut:
		c.setError(reg.GraphID, fmt.Sprintf("script timed out, partial output: %s", outcome.Output))
	default:
		text := strings.TrimSpace(string(outcome.Output))
		value, perr := strconv.ParseFloat(text, 64)
		if perr != nil {
			c.setError(reg.GraphID, fmt.Sprintf("parsing %q as a number failed", text))
			return
		}
		c.append(reg.GraphID, model.Sample{Timestamp: ts, Value: value})
	}
}

func (c *Collector) setError(graphID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[graphID]; ok {
		st.errText = text
	}
}

func (c *Collector) append(graphID string, sample model.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[graphID]; ok {
		st.samples = append(st.samples, sample)
	}
}

// Flush builds the outgoing batched payload and clears the accumulated
// state; the reported hashes become the baseline for the next flush.
// It returns false when nothing is registered and there is nothing to
// report. A graph registered but never yet run appears with empty
// values and error, announcing its hash before any data exists.
func (c *Collector) Flush(ctx context.Context) (model.GraphReport, bool) {
	snap, err := c.registry.Snapshot(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "snapshotting registry for flush failed", "error", err)
		return model.GraphReport{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// graphs removed since their tick produce no entry at all
	for id := range c.states {
		if _, ok := snap[id]; !ok {
			delete(c.states, id)
		}
	}

	data := make(map[string]model.GraphData, len(snap))
	for id := range snap {
		st, ok := c.states[id]
		if !ok {
			st = &graphState{}
			c.states[id] = st
		}

		hash := st.lastHash
		if h, herr := c.registry.ContentHash(ctx, id); herr == nil {
			hash = h
		} else if !errors.Is(herr, ErrNotRegistered) {
			slog.WarnContext(ctx, "hashing script failed", "graph_id", id, "error", herr)
		}

		values := st.samples
		if values == nil {
			values = []model.Sample{}
		}
		data[id] = model.GraphData{
			Error:      st.errText,
			Values:     values,
			ScriptHash: hash,
		}

		st.samples = nil
		st.errText = ""
		st.lastHash = hash
	}

	if len(data) == 0 {
		return model.GraphReport{}, false
	}
	return model.GraphReport{Type: model.TypeCustomGraph, Data: data}, true
}
