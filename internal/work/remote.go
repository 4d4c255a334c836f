package work

import (
	"context"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

// Generator is the node-side work API consumed by RemoteSource. The rpc
// client implements it.
type Generator interface {
	WorkGenerate(ctx context.Context, root nano.BlockHash, difficulty nano.Difficulty) (nano.Work, error)
	WorkCancel(ctx context.Context, root nano.BlockHash) error
}

// RemoteSource obtains work from a node's distributed work pool. Results
// are never trusted: every returned nonce is re-scored locally before it
// is handed out.
type RemoteSource struct {
	client  Generator
	timeout time.Duration
	logger  *log.Logger
}

// NewRemoteSource wraps a node work API. timeout bounds a single generate
// call; zero disables the bound.
func NewRemoteSource(client Generator, timeout time.Duration, logger *log.Logger) *RemoteSource {
	return &RemoteSource{
		client:  client,
		timeout: timeout,
		logger:  logger.WithComponent("work_remote"),
	}
}

// Generate requests work for root from the node and verifies it against
// threshold. When ctx is cancelled mid-request the node is told to stop
// searching on a best-effort basis.
func (s *RemoteSource) Generate(ctx context.Context, root nano.BlockHash, threshold nano.Difficulty) (nano.Work, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	w, err := s.client.WorkGenerate(callCtx, root, threshold)
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			s.cancelRemote(root)
			if ctxErr == context.DeadlineExceeded {
				return 0, errors.Wrap(err, errors.KindTimeout, "work.remote", "remote generation timed out").
					WithContext("timeout", s.timeout.String())
			}
			return 0, errors.Wrap(err, errors.KindCancelled, "work.remote", "remote generation cancelled")
		}
		// Node-reported and malformed-response failures keep their
		// classification; only raw transport errors are network failures.
		if errors.IsKind(err, errors.KindProtocol) || errors.IsKind(err, errors.KindRpc) {
			return 0, err
		}
		return 0, errors.Wrap(err, errors.KindNetwork, "work.remote", "remote work generation failed")
	}

	if !Valid(w, root, threshold) {
		return 0, errors.New(errors.KindInsufficientDifficulty, "work.remote",
			"node returned work below the requested threshold").
			WithContext("root", root.Hex()).
			WithContext("work", w.Hex())
	}

	s.logger.LogWorkFound(root.Hex(), w.Hex(), "remote", float64(time.Since(started).Milliseconds()))
	return w, nil
}

// cancelRemote asks the node to abandon an in-flight search. The caller's
// context is already dead, so a short detached deadline is used.
func (s *RemoteSource) cancelRemote(root nano.BlockHash) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.client.WorkCancel(ctx, root); err != nil {
		s.logger.WithError(err).Warn("failed to cancel remote work search")
	}
}
