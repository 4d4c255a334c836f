// Package confirm tracks network confirmation of submitted blocks. A
// waiter registers before its block is published so the subscription and
// polling paths cannot race the submission.
package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/internal/rpc"
	"github.com/nanoflow/nanoflow/internal/transport"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/retry"
)

// Subscriber is the slice of the transport router the watcher needs.
type Subscriber interface {
	Subscribe(topic transport.Topic, buffer int) (<-chan transport.Event, func())
}

// BlockQuerier is the request-channel fallback used when a confirmation
// message is missed.
type BlockQuerier interface {
	BlockInfo(ctx context.Context, hash nano.BlockHash) (rpc.BlockInfo, error)
	BlockConfirm(ctx context.Context, hash nano.BlockHash) error
}

// Receipt reports how and when a block was confirmed.
type Receipt struct {
	Hash        nano.BlockHash
	Via         string // "subscription" or "poll"
	ConfirmedAt time.Time
}

// Ticket is a registered claim on a future confirmation. Register the
// ticket before publishing the block, then Await it.
type Ticket struct {
	hash    nano.BlockHash
	ch      chan Receipt
	watcher *Watcher
}

// Watcher resolves confirmation waiters from the subscription stream and
// falls back to polling for any block whose message was lost. Each block
// hash resolves at most once; later duplicates are ignored.
type Watcher struct {
	sub      Subscriber
	client   BlockQuerier
	pollBase time.Duration
	pollMax  time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	waiters map[nano.BlockHash][]chan Receipt
}

// NewWatcher creates a watcher. pollBase is the first poll delay; the
// interval doubles up to pollMax while a waiter is outstanding.
func NewWatcher(sub Subscriber, client BlockQuerier, pollBase, pollMax time.Duration, logger *log.Logger) *Watcher {
	return &Watcher{
		sub:      sub,
		client:   client,
		pollBase: pollBase,
		pollMax:  pollMax,
		logger:   logger.WithComponent("confirm"),
		waiters:  make(map[nano.BlockHash][]chan Receipt),
	}
}

// Run consumes the confirmation topic until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	events, detach := w.sub.Subscribe(transport.TopicConfirmation, 128)
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindCancelled, "confirm.run", "watcher stopped")
		case e := <-events:
			c, err := e.Confirmation()
			if err != nil {
				w.logger.WithError(err).Warn("discarding undecodable confirmation")
				continue
			}
			w.resolve(c.Hash, "subscription")
		}
	}
}

// Register claims the confirmation of hash. Call before publishing the
// block. The returned ticket must be awaited or cancelled.
func (w *Watcher) Register(hash nano.BlockHash) *Ticket {
	ch := make(chan Receipt, 1)

	w.mu.Lock()
	w.waiters[hash] = append(w.waiters[hash], ch)
	w.mu.Unlock()

	return &Ticket{hash: hash, ch: ch, watcher: w}
}

// Await blocks until the ticket's block confirms or ctx ends. While
// waiting it polls the node at growing intervals in case the subscription
// message was lost, and nudges the node to start an election the first
// time a poll sees the block unconfirmed.
func (t *Ticket) Await(ctx context.Context) (Receipt, error) {
	defer t.Cancel()

	w := t.watcher
	backoff := retry.NewBackoff(w.pollBase, w.pollMax, 2.0)
	nudged := false

	timer := time.NewTimer(backoff.Next())
	defer timer.Stop()

	for {
		select {
		case r := <-t.ch:
			w.logger.LogConfirmation(r.Hash.Hex(), r.Via, 0)
			return r, nil

		case <-ctx.Done():
			kind := errors.KindCancelled
			if ctx.Err() == context.DeadlineExceeded {
				kind = errors.KindTimeout
			}
			return Receipt{}, errors.Wrap(ctx.Err(), kind, "confirm.await", "confirmation wait ended").
				WithContext("block_hash", t.hash.Hex())

		case <-timer.C:
			if r, ok := t.poll(ctx, &nudged); ok {
				w.logger.LogConfirmation(r.Hash.Hex(), r.Via, 0)
				return r, nil
			}
			timer.Reset(backoff.Next())
		}
	}
}

// Cancel withdraws the ticket. Safe to call after resolution.
func (t *Ticket) Cancel() {
	w := t.watcher

	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.waiters[t.hash]
	for i, ch := range chans {
		if ch == t.ch {
			w.waiters[t.hash] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[t.hash]) == 0 {
		delete(w.waiters, t.hash)
	}
}

// poll checks the node directly for the ticket's block. Errors are logged
// and swallowed; the subscription path is still live.
func (t *Ticket) poll(ctx context.Context, nudged *bool) (Receipt, bool) {
	w := t.watcher

	info, err := w.client.BlockInfo(ctx, t.hash)
	if err != nil {
		w.logger.WithError(err).Debug("confirmation poll failed", "block_hash", t.hash.Hex())
		return Receipt{}, false
	}

	if info.Confirmed {
		// Resolve any sibling waiters on the same hash too.
		w.resolve(t.hash, "poll")
		select {
		case r := <-t.ch:
			return r, true
		default:
			// Sibling resolution raced us; our own ticket was already
			// withdrawn, so synthesize the receipt.
			return Receipt{Hash: t.hash, Via: "poll", ConfirmedAt: time.Now()}, true
		}
	}

	if !*nudged {
		*nudged = true
		if err := w.client.BlockConfirm(ctx, t.hash); err != nil {
			w.logger.WithError(err).Debug("election nudge failed", "block_hash", t.hash.Hex())
		}
	}

	return Receipt{}, false
}

// resolve delivers a receipt to every waiter on hash. Unknown hashes and
// duplicate confirmations are no-ops.
func (w *Watcher) resolve(hash nano.BlockHash, via string) {
	w.mu.Lock()
	chans := w.waiters[hash]
	delete(w.waiters, hash)
	w.mu.Unlock()

	receipt := Receipt{Hash: hash, Via: via, ConfirmedAt: time.Now()}
	for _, ch := range chans {
		ch <- receipt
	}
}
