// Package poller drives the fixed-interval poll cycle over a session's job tokens.
package poller

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"manimate/common"
	"manimate/types"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultMaxTicks = 600
)

// Querier asks the generation service for a token's script.
// A nil or empty script with a nil error means the token is still pending.
type Querier interface {
	PollToken(ctx context.Context, token string) (*types.Script, error)
}

// Progress describes one token's pending to ready transition.
// Scripts and ReadyTokens are snapshots taken right after the transition.
type Progress struct {
	Index       int
	Token       string
	Script      *types.Script
	Scripts     []*types.Script
	ReadyTokens []string
	Total       int
}

// Observer is notified once per token when it becomes ready.
// Calls for one run never overlap.
type Observer interface {
	TokenReady(ctx context.Context, p Progress)
}

// ObserverFunc adapts a plain function to Observer
type ObserverFunc func(ctx context.Context, p Progress)

func (f ObserverFunc) TokenReady(ctx context.Context, p Progress) { f(ctx, p) }

// Observers fans a transition out to several observers in order
type Observers []Observer

func (o Observers) TokenReady(ctx context.Context, p Progress) {
	for _, obs := range o {
		if obs != nil {
			obs.TokenReady(ctx, p)
		}
	}
}

// Result is how a run ended. Scripts and ReadyTokens are slot-aligned with Tokens.
type Result struct {
	Tokens      []string
	Scripts     []*types.Script
	ReadyTokens []string
	Ticks       int
	Complete    bool
	Cancelled   bool
}

// Completed returns the number of ready slots
func (r Result) Completed() int {
	return types.CountReady(r.Scripts)
}

// Options configures an Engine
type Options struct {
	Interval time.Duration
	MaxTicks int
	// Parallelism caps concurrent queries within a tick; zero means one per pending token
	Parallelism int
}

// Engine runs poll cycles. One Engine may serve many concurrent runs.
type Engine struct {
	querier     Querier
	interval    time.Duration
	maxTicks    int
	parallelism int
	logger      arbor.ILogger
}

// NewEngine creates a new poll cycle engine
func NewEngine(querier Querier, opts Options, logger arbor.ILogger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxTicks <= 0 {
		opts.MaxTicks = DefaultMaxTicks
	}
	if logger == nil {
		logger = common.NewNopLogger()
	}
	return &Engine{
		querier:     querier,
		interval:    opts.Interval,
		maxTicks:    opts.MaxTicks,
		parallelism: opts.Parallelism,
		logger:      logger,
	}
}

// Interval returns the delay between ticks
func (e *Engine) Interval() time.Duration { return e.interval }

// MaxTicks returns the tick budget
func (e *Engine) MaxTicks() int { return e.maxTicks }

type answer struct {
	index  int
	script *types.Script
}

// Run polls every token until all are ready, the tick budget is spent, or ctx ends.
// Each tick waits the interval first, then queries the pending tokens concurrently
// and waits for all of them before the next tick starts.
func (e *Engine) Run(ctx context.Context, tokens []string, observer Observer) Result {
	n := len(tokens)
	res := Result{
		Tokens:      append([]string(nil), tokens...),
		Scripts:     make([]*types.Script, n),
		ReadyTokens: make([]string, n),
	}
	if n == 0 {
		res.Complete = true
		return res
	}

	timer := time.NewTimer(e.interval)
	defer timer.Stop()

	for tick := 1; tick <= e.maxTicks; tick++ {
		if tick > 1 {
			timer.Reset(e.interval)
		}
		select {
		case <-ctx.Done():
			res.Cancelled = true
			return res
		case <-timer.C:
		}
		res.Ticks = tick

		answers := e.queryPending(ctx, res.Tokens, res.Scripts)
		if ctx.Err() != nil {
			// late answers must not land in a cancelled session
			res.Cancelled = true
			return res
		}

		for _, a := range answers {
			res.Scripts[a.index] = a.script
			res.ReadyTokens[a.index] = res.Tokens[a.index]
			if observer != nil {
				observer.TokenReady(ctx, Progress{
					Index:       a.index,
					Token:       res.Tokens[a.index],
					Script:      a.script,
					Scripts:     append([]*types.Script(nil), res.Scripts...),
					ReadyTokens: append([]string(nil), res.ReadyTokens...),
					Total:       n,
				})
			}
		}

		ready := res.Completed()
		e.logger.Debug().Int("tick", tick).Int("ready", ready).Int("total", n).Msg("poll tick finished")
		if ready == n {
			res.Complete = true
			return res
		}
	}

	e.logger.Warn().Int("ticks", e.maxTicks).Int("ready", res.Completed()).Int("total", n).Msg("poll budget exhausted")
	return res
}

// queryPending asks about every pending slot and returns the newly ready ones in
// the order their queries resolved.
func (e *Engine) queryPending(ctx context.Context, tokens []string, scripts []*types.Script) []answer {
	pending := 0
	for _, s := range scripts {
		if !s.Ready() {
			pending++
		}
	}

	found := make(chan answer, pending)
	var g errgroup.Group
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}

	for i, token := range tokens {
		if scripts[i].Ready() {
			continue
		}
		g.Go(func() error {
			script, err := e.querier.PollToken(ctx, token)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn().Err(err).Str("token", token).Msg("script poll failed")
				}
				return nil
			}
			if script.Ready() {
				found <- answer{index: i, script: script}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(found)

	out := make([]answer, 0, pending)
	for a := range found {
		out = append(out, a)
	}
	return out
}
