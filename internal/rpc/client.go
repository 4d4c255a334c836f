package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/circuit"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/retry"
)

// Client provides a high-level interface to a node's HTTP RPC endpoint.
// Read operations are retried on transient failures; submissions go through
// the circuit breaker only, since retrying a publish is the pipeline's
// decision to make.
type Client struct {
	url            string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// NewClient creates an RPC client for the node at url.
//
// Parameters:
//   - url: Node RPC endpoint, e.g. http://localhost:7076
//   - timeout: Per-request HTTP timeout
//   - logger: Structured logger
func NewClient(url string, timeout time.Duration, logger *log.Logger) *Client {
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &Client{
		url:            url,
		httpClient:     &http.Client{Timeout: timeout},
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.RPCConfig(),
		logger:         logger.WithComponent("rpc"),
	}
}

// call posts an action request and decodes the response into out. A body
// carrying an "error" field is a node-level failure even on HTTP 200.
func (c *Client) call(ctx context.Context, action string, params map[string]any, out any) error {
	body := make(map[string]any, len(params)+1)
	body["action"] = action
	for k, v := range params {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, action, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, action, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if ctxErr == context.DeadlineExceeded {
				return errors.Wrap(ctxErr, errors.KindTimeout, action, "request timed out")
			}
			return errors.Wrap(ctxErr, errors.KindCancelled, action, "request cancelled")
		}
		return errors.Wrap(err, errors.KindNetwork, action, "node request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.KindNetwork, action, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		e := errors.New(errors.KindNetwork, action,
			fmt.Sprintf("node returned HTTP %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
		e.Retryable = resp.StatusCode >= 500
		return e
	}

	var nodeErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &nodeErr); err != nil {
		return errors.Wrap(err, errors.KindProtocol, action, "malformed response body")
	}
	if nodeErr.Error != "" {
		return classifyNodeError(action, nodeErr.Error)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, errors.KindProtocol, action, "failed to decode response")
		}
	}

	return nil
}

// AccountInfo retrieves the chain tip for an account: its frontier block,
// representative, confirmed balance and height.
func (c *Client) AccountInfo(ctx context.Context, account nano.Account) (nano.ChainTip, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (nano.ChainTip, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (nano.ChainTip, error) {
			var resp struct {
				Frontier       string `json:"frontier"`
				Representative string `json:"representative"`
				Balance        string `json:"balance"`
				Height         string `json:"height"`
			}

			err := c.call(ctx, "account_info", map[string]any{
				"account":        account.Address(),
				"representative": "true",
			}, &resp)
			if err != nil {
				return nano.ChainTip{}, err
			}

			return parseChainTip(resp.Frontier, resp.Representative, resp.Balance, resp.Height)
		})
	})
}

// WorkGenerate asks the node's work pool for a nonce clearing difficulty.
func (c *Client) WorkGenerate(ctx context.Context, root nano.BlockHash, difficulty nano.Difficulty) (nano.Work, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (nano.Work, error) {
		var resp struct {
			Work string `json:"work"`
		}

		// No transport retry: a generate call can run for many seconds and
		// the caller races it against the local engine anyway.
		err := c.call(ctx, "work_generate", map[string]any{
			"hash":       root.Hex(),
			"difficulty": difficulty.Hex(),
		}, &resp)
		if err != nil {
			return 0, err
		}

		w, err := nano.WorkFromHex(resp.Work)
		if err != nil {
			return 0, errors.Wrap(err, errors.KindProtocol, "work_generate", "response missing usable work value")
		}
		return w, nil
	})
}

// WorkValidate asks the node whether work clears difficulty for root.
func (c *Client) WorkValidate(ctx context.Context, w nano.Work, root nano.BlockHash, difficulty nano.Difficulty) (bool, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			var resp struct {
				ValidAll string `json:"valid_all"`
				Valid    string `json:"valid"`
			}

			err := c.call(ctx, "work_validate", map[string]any{
				"work":       w.Hex(),
				"hash":       root.Hex(),
				"difficulty": difficulty.Hex(),
			}, &resp)
			if err != nil {
				return false, err
			}

			return resp.ValidAll == "1" || resp.Valid == "1", nil
		})
	})
}

// WorkCancel tells the node to abandon any in-flight search for root.
func (c *Client) WorkCancel(ctx context.Context, root nano.BlockHash) error {
	return c.call(ctx, "work_cancel", map[string]any{"hash": root.Hex()}, nil)
}

// Process publishes a signed block and returns the hash the node accepted
// it under. Stale-frontier rejections come back retryable; see IsStaleTip.
func (c *Client) Process(ctx context.Context, block *nano.StateBlock) (nano.BlockHash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (nano.BlockHash, error) {
		var resp struct {
			Hash string `json:"hash"`
		}

		err := c.call(ctx, "process", map[string]any{
			"json_block": "true",
			"subtype":    string(block.Subtype),
			"block":      block,
		}, &resp)
		if err != nil {
			return nano.ZeroHash, err
		}

		return nano.HashFromHex(resp.Hash)
	})
}

// BlockInfo describes a block the node knows about.
type BlockInfo struct {
	Confirmed bool
	Subtype   nano.Subtype
	Amount    nano.Amount
	Account   nano.Account
	Height    uint64
}

// BlockInfo fetches the node's view of a block, including whether the
// network has confirmed it.
func (c *Client) BlockInfo(ctx context.Context, hash nano.BlockHash) (BlockInfo, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (BlockInfo, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (BlockInfo, error) {
			var resp struct {
				Confirmed    string `json:"confirmed"`
				Subtype      string `json:"subtype"`
				Amount       string `json:"amount"`
				BlockAccount string `json:"block_account"`
				Height       string `json:"height"`
			}

			err := c.call(ctx, "block_info", map[string]any{
				"json_block": "true",
				"hash":       hash.Hex(),
			}, &resp)
			if err != nil {
				return BlockInfo{}, err
			}

			info := BlockInfo{
				Confirmed: resp.Confirmed == "true",
				Subtype:   nano.Subtype(resp.Subtype),
			}

			if resp.Amount != "" {
				if info.Amount, err = nano.AmountFromString(resp.Amount); err != nil {
					return BlockInfo{}, errors.Wrap(err, errors.KindProtocol, "block_info", "bad amount in response")
				}
			}
			if resp.BlockAccount != "" {
				if info.Account, err = nano.AccountFromAddress(resp.BlockAccount); err != nil {
					return BlockInfo{}, errors.Wrap(err, errors.KindProtocol, "block_info", "bad account in response")
				}
			}
			if resp.Height != "" {
				if info.Height, err = strconv.ParseUint(resp.Height, 10, 64); err != nil {
					return BlockInfo{}, errors.Wrap(err, errors.KindProtocol, "block_info", "bad height in response")
				}
			}

			return info, nil
		})
	})
}

// BlockConfirm asks the node to start an election for a block that has not
// been confirmed yet.
func (c *Client) BlockConfirm(ctx context.Context, hash nano.BlockHash) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			return c.call(ctx, "block_confirm", map[string]any{"hash": hash.Hex()}, nil)
		})
	})
}

// BlockCount returns the node's cemented and unchecked block totals.
func (c *Client) BlockCount(ctx context.Context) (count, unchecked uint64, err error) {
	type pair struct{ count, unchecked uint64 }

	p, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (pair, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (pair, error) {
			var resp struct {
				Count     string `json:"count"`
				Unchecked string `json:"unchecked"`
			}

			if err := c.call(ctx, "block_count", nil, &resp); err != nil {
				return pair{}, err
			}

			cnt, err := strconv.ParseUint(resp.Count, 10, 64)
			if err != nil {
				return pair{}, errors.Wrap(err, errors.KindProtocol, "block_count", "bad count in response")
			}
			unc, err := strconv.ParseUint(resp.Unchecked, 10, 64)
			if err != nil {
				return pair{}, errors.Wrap(err, errors.KindProtocol, "block_count", "bad unchecked in response")
			}

			return pair{count: cnt, unchecked: unc}, nil
		})
	})

	return p.count, p.unchecked, err
}

// ActiveDifficulty returns the network's current minimum receive and send
// thresholds. Nodes that no longer serve the action fall back to the
// protocol constants.
func (c *Client) ActiveDifficulty(ctx context.Context) (receive, send nano.Difficulty, err error) {
	type pair struct{ receive, send nano.Difficulty }

	p, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (pair, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (pair, error) {
			var resp struct {
				MinReceive string `json:"network_receive_minimum"`
				MinSend    string `json:"network_minimum"`
			}

			if err := c.call(ctx, "active_difficulty", nil, &resp); err != nil {
				return pair{}, err
			}

			out := pair{receive: nano.ThresholdReceive, send: nano.ThresholdSend}
			if resp.MinReceive != "" {
				if out.receive, err = nano.DifficultyFromHex(resp.MinReceive); err != nil {
					return pair{}, errors.Wrap(err, errors.KindProtocol, "active_difficulty", "bad receive threshold")
				}
			}
			if resp.MinSend != "" {
				if out.send, err = nano.DifficultyFromHex(resp.MinSend); err != nil {
					return pair{}, errors.Wrap(err, errors.KindProtocol, "active_difficulty", "bad send threshold")
				}
			}

			return out, nil
		})
	})

	return p.receive, p.send, err
}

// Telemetry is the node's self-reported counter set, matching the payload
// published on the telemetry subscription topic.
type Telemetry struct {
	BlockCount     uint64 `json:"block_count,string"`
	CementedCount  uint64 `json:"cemented_count,string"`
	UncheckedCount uint64 `json:"unchecked_count,string"`
	AccountCount   uint64 `json:"account_count,string"`
	PeerCount      uint32 `json:"peer_count,string"`
	MajorVersion   uint32 `json:"major_version,string"`
	Uptime         uint64 `json:"uptime,string"`
}

// Telemetry fetches the node's own telemetry report on demand, for callers
// that are not holding the subscription channel open.
func (c *Client) Telemetry(ctx context.Context) (Telemetry, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (Telemetry, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (Telemetry, error) {
			var resp Telemetry
			if err := c.call(ctx, "telemetry", nil, &resp); err != nil {
				return Telemetry{}, err
			}
			return resp, nil
		})
	})
}

// Version reports the node's vendor and protocol versions.
func (c *Client) Version(ctx context.Context) (node, protocol string, err error) {
	type pair struct{ node, protocol string }

	p, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (pair, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (pair, error) {
			var resp struct {
				NodeVendor      string `json:"node_vendor"`
				ProtocolVersion string `json:"protocol_version"`
			}

			if err := c.call(ctx, "version", nil, &resp); err != nil {
				return pair{}, err
			}

			return pair{node: resp.NodeVendor, protocol: resp.ProtocolVersion}, nil
		})
	})

	return p.node, p.protocol, err
}

func parseChainTip(frontier, representative, balance, height string) (nano.ChainTip, error) {
	var tip nano.ChainTip
	var err error

	if tip.Frontier, err = nano.HashFromHex(frontier); err != nil {
		return nano.ChainTip{}, errors.Wrap(err, errors.KindProtocol, "account_info", "bad frontier in response")
	}
	if tip.Representative, err = nano.AccountFromAddress(representative); err != nil {
		return nano.ChainTip{}, errors.Wrap(err, errors.KindProtocol, "account_info", "bad representative in response")
	}
	if tip.Balance, err = nano.AmountFromString(balance); err != nil {
		return nano.ChainTip{}, errors.Wrap(err, errors.KindProtocol, "account_info", "bad balance in response")
	}
	if tip.Height, err = strconv.ParseUint(height, 10, 64); err != nil {
		return nano.ChainTip{}, errors.Wrap(err, errors.KindProtocol, "account_info", "bad height in response")
	}

	return tip, nil
}
