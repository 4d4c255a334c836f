package work

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

// checkMask sets how often a worker polls for cancellation. A power of two
// minus one so the check is a single AND per iteration.
const checkMask = 0xFFF

// Engine searches the nonce space in parallel for a work value that clears
// a difficulty threshold. Each worker owns a disjoint stripe of the space,
// so no nonce is ever tested twice.
type Engine struct {
	workers       int
	randomOffsets bool
	logger        *log.Logger
}

// NewEngine creates a search engine. A worker count of zero or less selects
// one worker per CPU.
func NewEngine(workers int, randomOffsets bool, logger *log.Logger) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		workers:       workers,
		randomOffsets: randomOffsets,
		logger:        logger.WithComponent("work_engine"),
	}
}

// Workers returns the configured worker count.
func (e *Engine) Workers() int {
	return e.workers
}

// Search scans for a nonce whose score against root clears threshold. It
// blocks until a nonce is found or ctx is cancelled; on cancellation every
// worker has exited before the error is returned, so no result can surface
// afterwards.
func (e *Engine) Search(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once   sync.Once
		winner nano.Work
		found  bool
		wg     sync.WaitGroup
	)

	started := time.Now()
	// Floor division keeps base+stride from wrapping; the handful of nonces
	// above workers*stride are never tested, which is harmless.
	stride := ^uint64(0) / uint64(e.workers)

	for i := 0; i < e.workers; i++ {
		base := uint64(i) * stride
		offset := uint64(0)
		if e.randomOffsets {
			offset = rand.Uint64() % stride
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			e.scan(searchCtx, root, threshold, base, stride, offset, func(w nano.Work) {
				once.Do(func() {
					winner = w
					found = true
					cancel()
				})
			})
		}()
	}

	wg.Wait()

	if found {
		e.logger.LogWorkFound(root.Hex(), winner.Hex(), "local", float64(time.Since(started).Milliseconds()))
		return winner, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.KindCancelled, "work.search", "search cancelled")
	}

	return 0, errors.New(errors.KindExhausted, "work.search", "nonce space exhausted without a valid work value")
}

// scan walks one stripe of the nonce space starting at base+offset, wrapping
// within the stripe, and reports the first clearing nonce through report.
func (e *Engine) scan(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty, base, stride, offset uint64, report func(nano.Work)) {
	cooperative := e.workers == 1

	for i := uint64(0); i < stride; i++ {
		if i&checkMask == 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if cooperative {
				// A lone worker must not monopolize its thread.
				runtime.Gosched()
			}
		}

		nonce := nano.Work(base + (offset+i)%stride)
		if Valid(nonce, root, threshold) {
			report(nonce)
			return
		}
	}
}
