package work

import (
	"context"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

// LocalSource is the in-process search side of the race. Engine implements it.
type LocalSource interface {
	Search(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error)
}

// RemoteGenerator is the node-backed side of the race. RemoteSource
// implements it.
type RemoteGenerator interface {
	Generate(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error)
}

// Store is an optional cache of precomputed work consulted before racing.
type Store interface {
	// Take removes and returns any cached work for root.
	Take(ctx context.Context, root nano.BlockHash) (nano.Work, bool, error)
}

// SearchMetrics records which source produced a work value and how long
// the acquisition took. The telemetry sink implements it.
type SearchMetrics interface {
	WriteWorkSearch(source string, duration time.Duration)
}

// Arbiter obtains work by racing the local engine against a remote
// generator. The first side to produce a valid nonce wins and the loser is
// cancelled; work is only ever needed once per root, so there is no value
// in letting the slower side finish.
type Arbiter struct {
	local   LocalSource
	remote  RemoteGenerator
	cache   Store
	metrics SearchMetrics
	logger  *log.Logger
}

// NewArbiter builds an arbiter. Any of local, remote and cache may be nil:
// a single configured source runs to completion on its own, and the race
// only happens when both sides are present. At least one source must be
// configured or Obtain fails.
func NewArbiter(local LocalSource, remote RemoteGenerator, cache Store, logger *log.Logger) *Arbiter {
	return &Arbiter{
		local:  local,
		remote: remote,
		cache:  cache,
		logger: logger.WithComponent("work_arbiter"),
	}
}

// SetMetrics attaches an optional recorder for work acquisition timings.
func (a *Arbiter) SetMetrics(m SearchMetrics) {
	a.metrics = m
}

type raceResult struct {
	work   nano.Work
	err    error
	source string
}

// Obtain returns a work value for root clearing threshold. Cached work is
// preferred; otherwise local and remote searches race. Obtain does not
// return until both racers have exited, so no stray result can outlive the
// call.
func (a *Arbiter) Obtain(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error) {
	started := time.Now()

	if a.cache != nil {
		if w, ok, err := a.cache.Take(ctx, root); err != nil {
			a.logger.WithError(err).Warn("work cache lookup failed")
		} else if ok {
			// Cached entries may predate a threshold change, so re-score.
			if Valid(w, root, threshold) {
				a.logger.LogWorkFound(root.Hex(), w.Hex(), "cache", 0)
				a.observe("cache", started)
				return w, nil
			}
			a.logger.Debug("discarding cached work below threshold", "root", root.Hex())
		}
	}

	switch {
	case a.local == nil && a.remote == nil:
		return 0, errors.New(errors.KindValidation, "work.obtain", "no work source configured")
	case a.remote == nil:
		w, err := a.local.Search(ctx, root, threshold)
		if err == nil {
			a.observe("local", started)
		}
		return w, err
	case a.local == nil:
		w, err := a.remote.Generate(ctx, root, threshold)
		if err == nil {
			a.observe("remote", started)
		}
		return w, err
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, 2)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		w, err := a.local.Search(raceCtx, root, threshold)
		results <- raceResult{work: w, err: err, source: "local"}
	}()
	go func() {
		defer wg.Done()
		w, err := a.remote.Generate(raceCtx, root, threshold)
		results <- raceResult{work: w, err: err, source: "remote"}
	}()

	first := <-results
	if first.err == nil {
		cancel()
		<-results
		wg.Wait()
		a.observe(first.source, started)
		return first.work, nil
	}

	// One side failed; the other keeps running until it finishes or the
	// caller gives up.
	second := <-results
	wg.Wait()
	if second.err == nil {
		a.observe(second.source, started)
		return second.work, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.KindCancelled, "work.obtain", "work acquisition cancelled")
	}

	localErr, remoteErr := first.err, second.err
	if first.source == "remote" {
		localErr, remoteErr = second.err, first.err
	}
	return 0, errors.Combine("work.obtain", localErr, remoteErr)
}

func (a *Arbiter) observe(source string, started time.Time) {
	if a.metrics != nil {
		a.metrics.WriteWorkSearch(source, time.Since(started))
	}
}
