// Package fanout sends one prompt to every configured responder at once and
// gathers exactly one outcome per responder.
//
// Collect is a barrier: it returns only after every responder has produced a
// reply, failed, panicked or timed out. A responder's failure is converted to
// a *ResponderError inside its own outcome and never reaches the caller or
// the other responders.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dentai/internal/metrics"
	"dentai/internal/providers"
)

// Responder is one named text-generation provider. Request carries the
// per-responder model settings; its UserPrompt is replaced on every call.
type Responder struct {
	Name     string
	Label    string
	Provider providers.Provider
	Request  providers.ChatRequest
}

func (r Responder) label() string {
	if strings.TrimSpace(r.Label) != "" {
		return r.Label
	}
	return r.Name
}

// Config describes the responder set and the limits applied to each prompt.
type Config struct {
	Responders []Responder

	// PoolSize bounds the goroutines working on one prompt. It is raised to
	// len(Responders) when smaller.
	PoolSize int

	// ResponderTimeout bounds each responder call and Deadline the whole
	// Collect call. Zero disables either.
	ResponderTimeout time.Duration
	Deadline         time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Aggregator is safe for concurrent Collect calls; each call gets its own
// ResponseSet.
type Aggregator struct {
	responders []Responder
	poolSize   int
	timeout    time.Duration
	deadline   time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New validates the responder set: names must be non-blank and unique and
// every responder needs a provider.
func New(cfg Config) (*Aggregator, error) {
	if len(cfg.Responders) == 0 {
		return nil, errors.New("fanout: at least one responder is required")
	}
	seen := make(map[string]struct{}, len(cfg.Responders))
	responders := make([]Responder, len(cfg.Responders))
	for i, r := range cfg.Responders {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, fmt.Errorf("fanout: responder %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("fanout: duplicate responder %q", name)
		}
		if r.Provider == nil {
			return nil, fmt.Errorf("fanout: responder %q has no provider", name)
		}
		seen[name] = struct{}{}
		r.Name = name
		responders[i] = r
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	pool := cfg.PoolSize
	if pool < len(responders) {
		pool = len(responders)
	}
	return &Aggregator{
		responders: responders,
		poolSize:   pool,
		timeout:    max(cfg.ResponderTimeout, 0),
		deadline:   max(cfg.Deadline, 0),
		logger:     cfg.Logger,
		metrics:    m,
	}, nil
}

// Responders returns the configured responder names in order.
func (a *Aggregator) Responders() []string {
	out := make([]string, len(a.responders))
	for i, r := range a.responders {
		out[i] = r.Name
	}
	return out
}

// Collect sends prompt to every responder and returns one outcome per
// responder, in configuration order. It never fails as a whole.
func (a *Aggregator) Collect(ctx context.Context, prompt string) ResponseSet {
	start := time.Now()
	if a.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deadline)
		defer cancel()
	}

	// one slot per responder, written only by that responder's goroutine
	outcomes := make([]Outcome, len(a.responders))

	// plain Group, not WithContext: one failure must not cancel the others
	var g errgroup.Group
	g.SetLimit(a.poolSize)
	for i, r := range a.responders {
		g.Go(func() error {
			outcomes[i] = a.invoke(ctx, r, prompt)
			return nil
		})
	}
	_ = g.Wait()

	set := ResponseSet{Prompt: prompt, Outcomes: outcomes, Elapsed: time.Since(start)}
	a.logger.Info().
		Int("responders", len(outcomes)).
		Strs("failed", set.Failed()).
		Dur("elapsed", set.Elapsed).
		Msg("fan-out complete")
	return set
}

type callResult struct {
	text string
	err  error
}

func (a *Aggregator) invoke(ctx context.Context, r Responder, prompt string) Outcome {
	start := time.Now()
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	// buffered so an abandoned call can still deliver and exit
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		req := r.Request
		req.UserPrompt = prompt
		resp, err := r.Provider.Chat(callCtx, req)
		done <- callResult{text: resp.Text, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = callResult{err: callCtx.Err()}
	}

	out := Outcome{Responder: r.Name, Elapsed: time.Since(start)}
	if res.err == nil {
		out.Text = res.text
	} else {
		out.Err = a.responderError(ctx, r, res.err)
	}
	a.observe(r, out)
	return out
}

func (a *Aggregator) responderError(ctx context.Context, r Responder, err error) *ResponderError {
	re := &ResponderError{Responder: r.Name, Label: r.label(), Cause: err}
	if errors.Is(err, context.DeadlineExceeded) {
		re.Timeout = true
		// a caller deadline or a provider's own timeout keeps the plain cause
		switch {
		case ctx.Err() != nil && a.deadline > 0:
			re.Cause = fmt.Errorf("request deadline of %s exceeded: %w", a.deadline, err)
		case ctx.Err() == nil && a.timeout > 0:
			re.Cause = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
	}
	return re
}

func (a *Aggregator) observe(r Responder, out Outcome) {
	result := "ok"
	switch {
	case out.Err != nil && out.Err.Timeout:
		result = "timeout"
	case out.Err != nil:
		result = "error"
	}
	a.metrics.ResponderOutcomes.WithLabelValues(r.Name, result).Inc()
	a.metrics.ResponderLatency.WithLabelValues(r.Name).Observe(out.Elapsed.Seconds())

	if out.Err != nil {
		a.logger.Warn().
			Str("responder", r.Name).
			Bool("timeout", out.Err.Timeout).
			Dur("elapsed", out.Elapsed).
			Err(out.Err.Cause).
			Msg("responder failed")
		return
	}
	a.logger.Debug().Str("responder", r.Name).Dur("elapsed", out.Elapsed).Msg("responder replied")
}
