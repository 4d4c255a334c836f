// Package pipeline drives a block from intent to network confirmation:
// fetch the chain tip, obtain work for it, build and sign the block,
// publish it, and wait for the network to confirm. A submission rejected
// for a stale frontier is rebuilt on the fresh tip until the retry budget
// runs out.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/internal/confirm"
	"github.com/nanoflow/nanoflow/internal/journal"
	"github.com/nanoflow/nanoflow/internal/messaging"
	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/internal/rpc"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

// NodeAPI is the request channel the pipeline needs from the rpc client.
type NodeAPI interface {
	AccountInfo(ctx context.Context, account nano.Account) (nano.ChainTip, error)
	ActiveDifficulty(ctx context.Context) (receive, send nano.Difficulty, err error)
	Process(ctx context.Context, block *nano.StateBlock) (nano.BlockHash, error)
}

// WorkProvider supplies a valid work value for a root. The work arbiter
// implements it.
type WorkProvider interface {
	Obtain(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error)
}

// Confirmer registers confirmation claims ahead of submission.
type Confirmer interface {
	Register(hash nano.BlockHash) *confirm.Ticket
}

// Journal persists attempt records. Optional; write failures never fail a
// submission.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// OutcomeSink receives terminal submission outcomes. Optional.
type OutcomeSink interface {
	Publish(ctx context.Context, o *messaging.Outcome) error
}

// PrecomputeStore caches work for a frontier ahead of the next submission.
// Optional.
type PrecomputeStore interface {
	Put(ctx context.Context, root nano.BlockHash, w nano.Work) error
}

// Metrics receives client-side submission measurements. The telemetry sink
// implements it. Optional.
type Metrics interface {
	WriteSubmission(account, subtype string, attempts int, confirmed bool, duration time.Duration)
}

// Options configures a pipeline. Journal, Outcomes and Cache may be nil.
type Options struct {
	MaxRetries     int           // total submit attempts allowed against stale tips; min 1
	ConfirmTimeout time.Duration // bound on the confirmation wait, zero for none
	Precompute     bool          // compute work for the new frontier after success

	Journal  Journal
	Outcomes OutcomeSink
	Cache    PrecomputeStore
	Metrics  Metrics
}

// Result describes a confirmed submission.
type Result struct {
	Hash         nano.BlockHash
	Attempts     int
	ConfirmedVia string
	Duration     time.Duration
}

// Pipeline submits blocks for a single account.
type Pipeline struct {
	signer    nano.Signer
	node      NodeAPI
	work      WorkProvider
	confirmer Confirmer
	opts      Options
	logger    *log.Logger

	bg sync.WaitGroup
}

// New creates a pipeline for the account controlled by signer.
func New(signer nano.Signer, node NodeAPI, work WorkProvider, confirmer Confirmer, opts Options, logger *log.Logger) *Pipeline {
	return &Pipeline{
		signer:    signer,
		node:      node,
		work:      work,
		confirmer: confirmer,
		opts:      opts,
		logger:    logger.WithComponent("pipeline").WithAccount(signer.Account().Address()),
	}
}

// Wait blocks until background precompute tasks finish. Call on shutdown.
func (p *Pipeline) Wait() {
	p.bg.Wait()
}

// buildFunc turns the fetched tip into the payload for this attempt. open
// is true when the account has no chain yet and this block will open it.
type buildFunc func(tip nano.ChainTip, open bool) (nano.Payload, error)

// Send transfers amount to dest.
func (p *Pipeline) Send(ctx context.Context, dest nano.Account, amount nano.Amount) (*Result, error) {
	if dest.IsZero() {
		return nil, errors.New(errors.KindValidation, "pipeline.send", "destination account required")
	}
	if amount.IsZero() {
		return nil, errors.New(errors.KindValidation, "pipeline.send", "amount must be positive")
	}

	return p.submit(ctx, "pipeline.send", false, func(tip nano.ChainTip, open bool) (nano.Payload, error) {
		balance, err := tip.Balance.Sub(amount)
		if err != nil {
			return nano.Payload{}, errors.Wrap(err, errors.KindValidation, "pipeline.send", "insufficient balance").
				WithContext("balance", tip.Balance.String()).
				WithContext("amount", amount.String())
		}

		return nano.Payload{
			Subtype: nano.SubtypeSend,
			Link:    nano.BlockHash(dest.PublicKey()),
			Balance: balance,
		}, nil
	})
}

// Receive pockets the pending send identified by source. If the account
// has no chain yet the block opens it, with work computed on the account's
// public key instead of a frontier.
func (p *Pipeline) Receive(ctx context.Context, source nano.BlockHash, amount nano.Amount) (*Result, error) {
	if source.IsZero() {
		return nil, errors.New(errors.KindValidation, "pipeline.receive", "source block required")
	}
	if amount.IsZero() {
		return nil, errors.New(errors.KindValidation, "pipeline.receive", "amount must be positive")
	}

	return p.submit(ctx, "pipeline.receive", true, func(tip nano.ChainTip, open bool) (nano.Payload, error) {
		subtype := nano.SubtypeReceive
		balance := amount
		if open {
			subtype = nano.SubtypeOpen
		} else {
			balance = tip.Balance.Add(amount)
		}

		return nano.Payload{
			Subtype: subtype,
			Link:    source,
			Balance: balance,
		}, nil
	})
}

// ChangeRepresentative rewrites the account's voting delegate without
// moving funds.
func (p *Pipeline) ChangeRepresentative(ctx context.Context, rep nano.Account) (*Result, error) {
	if rep.IsZero() {
		return nil, errors.New(errors.KindValidation, "pipeline.change", "representative account required")
	}

	return p.submit(ctx, "pipeline.change", false, func(tip nano.ChainTip, open bool) (nano.Payload, error) {
		return nano.Payload{
			Subtype:        nano.SubtypeChange,
			Link:           nano.ZeroHash,
			Balance:        tip.Balance,
			Representative: rep,
		}, nil
	})
}

// submit runs the state machine: fetch tip, obtain work, build and sign,
// publish, await confirmation. Stale-tip rejections restart from the tip
// fetch; anything else is terminal.
func (p *Pipeline) submit(ctx context.Context, operation string, allowOpen bool, build buildFunc) (*Result, error) {
	started := time.Now()
	account := p.signer.Account()

	maxAttempts := p.opts.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	receiveMin, sendMin := p.thresholds(ctx)

	var lastStale error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tip, open, err := p.fetchTip(ctx, operation, allowOpen)
		if err != nil {
			return nil, err
		}

		payload, err := build(tip, open)
		if err != nil {
			return nil, err
		}

		root := tip.Frontier
		if open {
			root = nano.BlockHash(account.PublicKey())
		}

		threshold := sendMin
		if payload.Subtype.Threshold() == nano.ThresholdReceive {
			threshold = receiveMin
		}

		w, err := p.work.Obtain(ctx, root, threshold)
		if err != nil {
			return nil, err
		}

		block, err := p.signer.BuildAndSign(tip, w, payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, operation, "failed to build block")
		}

		hash := block.Hash()

		// Claim the confirmation before publishing so a fast network
		// cannot confirm the block into the void.
		ticket := p.confirmer.Register(hash)

		if _, err := p.node.Process(ctx, block); err != nil {
			ticket.Cancel()

			if rpc.IsStaleTip(err) {
				lastStale = err
				p.record(ctx, account, hash, payload.Subtype, attempt, journal.StatusStaleTip, err)
				p.logger.LogSubmission(account.Address(), hash.Hex(), attempt, "stale_tip")
				continue
			}

			p.record(ctx, account, hash, payload.Subtype, attempt, journal.StatusFailed, err)
			p.publish(account, hash, payload.Subtype, attempt, started, "", err)
			return nil, err
		}

		p.record(ctx, account, hash, payload.Subtype, attempt, journal.StatusSubmitted, nil)
		p.logger.LogSubmission(account.Address(), hash.Hex(), attempt, "submitted")

		receipt, err := p.await(ctx, ticket)
		if err != nil {
			p.record(ctx, account, hash, payload.Subtype, attempt, journal.StatusFailed, err)
			p.publish(account, hash, payload.Subtype, attempt, started, "", err)
			return nil, err
		}

		p.record(ctx, account, hash, payload.Subtype, attempt, journal.StatusConfirmed, nil)
		p.publish(account, hash, payload.Subtype, attempt, started, receipt.Via, nil)

		if p.opts.Precompute && p.opts.Cache != nil {
			p.schedulePrecompute(hash, sendMin)
		}

		return &Result{
			Hash:         hash,
			Attempts:     attempt,
			ConfirmedVia: receipt.Via,
			Duration:     time.Since(started),
		}, nil
	}

	e := errors.New(errors.KindExhausted, operation, "retry budget exhausted on stale frontiers").
		WithContext("attempts", maxAttempts)
	e.Cause = lastStale
	return nil, e
}

// thresholds returns the network's current difficulty minimums, falling
// back to the protocol constants when the node cannot report them.
func (p *Pipeline) thresholds(ctx context.Context) (receive, send nano.Difficulty) {
	receive, send, err := p.node.ActiveDifficulty(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("active difficulty unavailable, using protocol thresholds")
		return nano.ThresholdReceive, nano.ThresholdSend
	}
	return receive, send
}

func (p *Pipeline) fetchTip(ctx context.Context, operation string, allowOpen bool) (nano.ChainTip, bool, error) {
	tip, err := p.node.AccountInfo(ctx, p.signer.Account())
	if err != nil {
		if rpc.IsAccountNotFound(err) {
			if allowOpen {
				return nano.ChainTip{}, true, nil
			}
			return nano.ChainTip{}, false, errors.Wrap(err, errors.KindValidation, operation, "account has no blocks")
		}
		return nano.ChainTip{}, false, err
	}
	return tip, false, nil
}

func (p *Pipeline) await(ctx context.Context, ticket *confirm.Ticket) (confirm.Receipt, error) {
	waitCtx := ctx
	if p.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.ConfirmTimeout)
		defer cancel()
	}
	return ticket.Await(waitCtx)
}

// record writes one journal row; failures are logged and swallowed.
func (p *Pipeline) record(ctx context.Context, account nano.Account, hash nano.BlockHash, subtype nano.Subtype, attempt int, status string, cause error) {
	if p.opts.Journal == nil {
		return
	}

	entry := &journal.Entry{
		Account:   account.Address(),
		BlockHash: hash.Hex(),
		Subtype:   subtype,
		Attempt:   attempt,
		Status:    status,
	}
	if cause != nil {
		entry.NodeError = cause.Error()
	}

	if err := p.opts.Journal.Record(ctx, entry); err != nil {
		p.logger.WithError(err).Warn("journal write failed")
	}
}

// publish relays the terminal outcome and records the submission metric;
// failures are logged and swallowed.
func (p *Pipeline) publish(account nano.Account, hash nano.BlockHash, subtype nano.Subtype, attempts int, started time.Time, via string, cause error) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.WriteSubmission(account.Address(), string(subtype), attempts, cause == nil, time.Since(started))
	}

	if p.opts.Outcomes == nil {
		return
	}

	outcome := &messaging.Outcome{
		Account:      account.Address(),
		BlockHash:    hash.Hex(),
		Subtype:      subtype,
		Attempts:     attempts,
		Confirmed:    cause == nil,
		ConfirmedVia: via,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	if cause != nil {
		outcome.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.opts.Outcomes.Publish(ctx, outcome); err != nil {
		p.logger.WithError(err).Warn("outcome publish failed")
	}
}

// schedulePrecompute computes work for the account's new frontier in the
// background so the next submission can skip the search. The send threshold
// covers every subtype the next block may use.
func (p *Pipeline) schedulePrecompute(frontier nano.BlockHash, threshold nano.Difficulty) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		w, err := p.work.Obtain(ctx, frontier, threshold)
		if err != nil {
			p.logger.WithError(err).Debug("precompute search failed", "root", frontier.Hex())
			return
		}

		if err := p.opts.Cache.Put(ctx, frontier, w); err != nil {
			p.logger.WithError(err).Warn("precompute cache write failed")
		}
	}()
}
