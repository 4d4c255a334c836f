package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

// newTestClient points a client at a handler that receives the decoded
// action request and returns a JSON response.
func newTestClient(t *testing.T, handler func(action string, req map[string]any) any) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}

		action, _ := req["action"].(string)
		resp := handler(action, req)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, 5*time.Second, testLogger())
}

func TestAccountInfo(t *testing.T) {
	addr := "nano_3t6k35gi95xu6tergt6p69ck76ogmitsa8mnijtpxm9fkcm736xtoncuohr3"
	account, err := nano.AccountFromAddress(addr)
	if err != nil {
		t.Fatalf("failed to decode account: %v", err)
	}

	client := newTestClient(t, func(action string, req map[string]any) any {
		if action != "account_info" {
			t.Errorf("unexpected action %q", action)
		}
		if req["account"] != addr {
			t.Errorf("unexpected account %v", req["account"])
		}
		return map[string]string{
			"frontier":       "991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948",
			"representative": addr,
			"balance":        "325586539664609129644855132177",
			"height":         "42",
		}
	})

	tip, err := client.AccountInfo(context.Background(), account)
	if err != nil {
		t.Fatalf("AccountInfo failed: %v", err)
	}

	if tip.Frontier.Hex() != "991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948" {
		t.Errorf("unexpected frontier %s", tip.Frontier.Hex())
	}
	if tip.Height != 42 {
		t.Errorf("unexpected height %d", tip.Height)
	}
	if tip.Balance.String() != "325586539664609129644855132177" {
		t.Errorf("unexpected balance %s", tip.Balance.String())
	}
}

func TestAccountInfoNotFound(t *testing.T) {
	account, _ := nano.AccountFromAddress("nano_3t6k35gi95xu6tergt6p69ck76ogmitsa8mnijtpxm9fkcm736xtoncuohr3")

	client := newTestClient(t, func(action string, req map[string]any) any {
		return map[string]string{"error": "Account not found"}
	})

	_, err := client.AccountInfo(context.Background(), account)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAccountNotFound(err) {
		t.Errorf("expected account-not-found classification, got: %v", err)
	}
	if IsStaleTip(err) {
		t.Error("account-not-found must not classify as stale tip")
	}
}

func TestProcessReturnsHash(t *testing.T) {
	signer, err := nano.GenerateSigner()
	if err != nil {
		t.Fatalf("failed to generate signer: %v", err)
	}

	frontier, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	balance, _ := nano.AmountFromString("100")
	block, err := signer.BuildAndSign(nano.ChainTip{Frontier: frontier, Balance: balance}, nano.Work(1), nano.Payload{
		Subtype: nano.SubtypeSend,
		Balance: balance,
	})
	if err != nil {
		t.Fatalf("BuildAndSign failed: %v", err)
	}

	hash := block.Hash()

	client := newTestClient(t, func(action string, req map[string]any) any {
		if action != "process" {
			t.Errorf("unexpected action %q", action)
		}
		if req["subtype"] != "send" {
			t.Errorf("unexpected subtype %v", req["subtype"])
		}
		if req["json_block"] != "true" {
			t.Errorf("expected json_block request, got %v", req["json_block"])
		}
		inner, ok := req["block"].(map[string]any)
		if !ok {
			t.Fatalf("expected embedded block object, got %T", req["block"])
		}
		if inner["type"] != "state" {
			t.Errorf("unexpected block type %v", inner["type"])
		}
		return map[string]string{"hash": hash.Hex()}
	})

	got, err := client.Process(context.Background(), block)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got != hash {
		t.Errorf("expected %s, got %s", hash.Hex(), got.Hex())
	}
}

func TestProcessStaleTip(t *testing.T) {
	tests := []struct {
		name    string
		nodeErr string
	}{
		{name: "fork", nodeErr: "Fork"},
		{name: "gap previous", nodeErr: "Gap previous block"},
		{name: "old block", nodeErr: "Old block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(action string, req map[string]any) any {
				return map[string]string{"error": tt.nodeErr}
			})

			signer, _ := nano.GenerateSigner()
			balance, _ := nano.AmountFromString("1")
			frontier, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
			block, _ := signer.BuildAndSign(nano.ChainTip{Frontier: frontier, Balance: balance}, nano.Work(1), nano.Payload{
				Subtype: nano.SubtypeSend,
				Balance: balance,
			})

			_, err := client.Process(context.Background(), block)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsStaleTip(err) {
				t.Errorf("expected stale-tip classification, got: %v", err)
			}
			if !errors.IsRetryable(err) {
				t.Error("expected stale-tip rejection to be retryable")
			}
		})
	}
}

func TestProcessFatalNodeError(t *testing.T) {
	client := newTestClient(t, func(action string, req map[string]any) any {
		return map[string]string{"error": "Block is invalid"}
	})

	signer, _ := nano.GenerateSigner()
	balance, _ := nano.AmountFromString("1")
	frontier, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	block, _ := signer.BuildAndSign(nano.ChainTip{Frontier: frontier, Balance: balance}, nano.Work(1), nano.Payload{
		Subtype: nano.SubtypeSend,
		Balance: balance,
	})

	_, err := client.Process(context.Background(), block)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsStaleTip(err) {
		t.Error("invalid block must not classify as stale tip")
	}
	if errors.IsRetryable(err) {
		t.Error("invalid block must not be retryable")
	}
}

func TestWorkGenerate(t *testing.T) {
	root, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")

	client := newTestClient(t, func(action string, req map[string]any) any {
		if action != "work_generate" {
			t.Errorf("unexpected action %q", action)
		}
		if req["hash"] != root.Hex() {
			t.Errorf("unexpected hash %v", req["hash"])
		}
		if req["difficulty"] != nano.ThresholdSend.Hex() {
			t.Errorf("unexpected difficulty %v", req["difficulty"])
		}
		return map[string]string{"work": "2bf29ef00786a6bc"}
	})

	w, err := client.WorkGenerate(context.Background(), root, nano.ThresholdSend)
	if err != nil {
		t.Fatalf("WorkGenerate failed: %v", err)
	}
	if w.Hex() != "2bf29ef00786a6bc" {
		t.Errorf("unexpected work %s", w.Hex())
	}
}

func TestWorkGenerateMissingWorkField(t *testing.T) {
	root, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")

	tests := []struct {
		name string
		resp any
	}{
		{name: "absent field", resp: map[string]string{}},
		{name: "empty field", resp: map[string]string{"work": ""}},
		{name: "garbage field", resp: map[string]string{"work": "not-hex"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(action string, req map[string]any) any {
				return tt.resp
			})

			_, err := client.WorkGenerate(context.Background(), root, nano.ThresholdSend)
			if !errors.IsKind(err, errors.KindProtocol) {
				t.Errorf("expected protocol kind for unusable work field, got: %v", err)
			}
		})
	}
}

func TestCallTimeoutKind(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	client := NewClient(srv.URL, 5*time.Second, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	root, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	err := client.WorkCancel(ctx, root)
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Errorf("expected timeout kind when the context deadline elapses, got: %v", err)
	}
}

func TestBlockInfoConfirmed(t *testing.T) {
	hash, _ := nano.HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")

	client := newTestClient(t, func(action string, req map[string]any) any {
		return map[string]string{
			"confirmed":     "true",
			"subtype":       "send",
			"amount":        "30000000000000000000000000000000000",
			"block_account": "nano_3t6k35gi95xu6tergt6p69ck76ogmitsa8mnijtpxm9fkcm736xtoncuohr3",
			"height":        "58",
		}
	})

	info, err := client.BlockInfo(context.Background(), hash)
	if err != nil {
		t.Fatalf("BlockInfo failed: %v", err)
	}
	if !info.Confirmed {
		t.Error("expected confirmed block")
	}
	if info.Subtype != nano.SubtypeSend {
		t.Errorf("unexpected subtype %s", info.Subtype)
	}
	if info.Height != 58 {
		t.Errorf("unexpected height %d", info.Height)
	}
}

func TestActiveDifficultyDefaults(t *testing.T) {
	client := newTestClient(t, func(action string, req map[string]any) any {
		// Older node: no thresholds in the response.
		return map[string]string{}
	})

	receive, send, err := client.ActiveDifficulty(context.Background())
	if err != nil {
		t.Fatalf("ActiveDifficulty failed: %v", err)
	}
	if receive != nano.ThresholdReceive || send != nano.ThresholdSend {
		t.Errorf("expected protocol defaults, got %s / %s", receive, send)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"count":"10","unchecked":"2"}`)); err != nil {
			t.Errorf("write failed: %v", err)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second, testLogger())

	count, unchecked, err := client.BlockCount(context.Background())
	if err != nil {
		t.Fatalf("BlockCount failed: %v", err)
	}
	if count != 10 || unchecked != 2 {
		t.Errorf("unexpected counts %d/%d", count, unchecked)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClassifyNodeError(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		stale     bool
		missing   bool
		retryable bool
	}{
		{name: "fork", message: "Fork", stale: true, retryable: true},
		{name: "gap previous", message: "Gap previous block", stale: true, retryable: true},
		{name: "old block", message: "Old block", stale: true, retryable: true},
		{name: "account not found", message: "Account not found", missing: true},
		{name: "insufficient work", message: "Block work is less than threshold"},
		{name: "bad signature", message: "Bad signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyNodeError("process", tt.message)

			if got := IsStaleTip(err); got != tt.stale {
				t.Errorf("IsStaleTip = %v, want %v", got, tt.stale)
			}
			if got := IsAccountNotFound(err); got != tt.missing {
				t.Errorf("IsAccountNotFound = %v, want %v", got, tt.missing)
			}
			if got := err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}
