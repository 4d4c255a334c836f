package nano

import (
	"encoding/json"
	"strings"
	"testing"
)

func testBlock(t *testing.T) *StateBlock {
	t.Helper()

	account, err := AccountFromAddress("nano_3t6k35gi95xu6tergt6p69ck76ogmitsa8mnijtpxm9fkcm736xtoncuohr3")
	if err != nil {
		t.Fatalf("Failed to decode account: %v", err)
	}

	previous, _ := HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	link, _ := HashFromHex("65706F636820763220626C6F636B000000000000000000000000000000000000")
	balance, _ := AmountFromString("337010421085160209006996005437231978653")

	return &StateBlock{
		Type:           "state",
		Subtype:        SubtypeSend,
		Account:        account,
		Previous:       previous,
		Representative: account,
		Balance:        balance,
		Link:           link,
		Work:           Work(0x7202df8a7c380578),
	}
}

func TestStateBlockHashDeterministic(t *testing.T) {
	b := testBlock(t)

	h1 := b.Hash()
	h2 := b.Hash()

	if h1 != h2 {
		t.Error("Expected identical hashes for the same block")
	}

	if h1.IsZero() {
		t.Error("Expected non-zero hash")
	}
}

func TestStateBlockHashCoversFields(t *testing.T) {
	base := testBlock(t).Hash()

	mutations := []struct {
		name   string
		mutate func(*StateBlock)
	}{
		{
			name: "previous",
			mutate: func(b *StateBlock) {
				b.Previous = ZeroHash
			},
		},
		{
			name: "balance",
			mutate: func(b *StateBlock) {
				b.Balance, _ = AmountFromString("1")
			},
		},
		{
			name: "link",
			mutate: func(b *StateBlock) {
				b.Link = ZeroHash
			},
		},
		{
			name: "representative",
			mutate: func(b *StateBlock) {
				signer, _ := GenerateSigner()
				b.Representative = signer.Account()
			},
		},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			b := testBlock(t)
			tt.mutate(b)

			if b.Hash() == base {
				t.Errorf("Expected %s change to alter the hash", tt.name)
			}
		})
	}
}

func TestStateBlockHashIgnoresWorkAndSignature(t *testing.T) {
	b := testBlock(t)
	base := b.Hash()

	b.Work = Work(1)
	b.Signature[0] = 0xFF

	if b.Hash() != base {
		t.Error("Expected work and signature to be outside the signed digest")
	}
}

func TestStateBlockValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StateBlock)
		wantErr string
	}{
		{
			name:   "valid send",
			mutate: func(b *StateBlock) {},
		},
		{
			name: "wrong type",
			mutate: func(b *StateBlock) {
				b.Type = "open"
			},
			wantErr: "block type",
		},
		{
			name: "missing subtype",
			mutate: func(b *StateBlock) {
				b.Subtype = ""
			},
			wantErr: "subtype",
		},
		{
			name: "zero account",
			mutate: func(b *StateBlock) {
				b.Account = Account{}
			},
			wantErr: "account",
		},
		{
			name: "zero previous on send",
			mutate: func(b *StateBlock) {
				b.Previous = ZeroHash
			},
			wantErr: "previous",
		},
		{
			name: "missing work",
			mutate: func(b *StateBlock) {
				b.Work = 0
			},
			wantErr: "work",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBlock(t)
			tt.mutate(b)

			err := b.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestStateBlockValidateOpenBlock(t *testing.T) {
	b := testBlock(t)
	b.Subtype = SubtypeOpen
	b.Previous = ZeroHash

	if err := b.Validate(); err != nil {
		t.Errorf("Expected open block with zero previous to validate: %v", err)
	}
}

func TestStateBlockJSONFields(t *testing.T) {
	b := testBlock(t)

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"type", "account", "previous", "representative", "balance", "link", "signature", "work"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected field %q in wire form", key)
		}
	}

	if _, ok := fields["subtype"]; ok {
		t.Error("Expected subtype to stay out of the block body")
	}

	if fields["balance"] != "337010421085160209006996005437231978653" {
		t.Errorf("Expected decimal balance string, got %v", fields["balance"])
	}
}

func TestBuildAndSign(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	frontier, _ := HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	balance, _ := AmountFromString("100")
	link, _ := HashFromHex("65706F636820763220626C6F636B000000000000000000000000000000000000")

	tip := ChainTip{
		Frontier:       frontier,
		Representative: signer.Account(),
		Balance:        balance,
		Height:         7,
	}

	newBalance, _ := AmountFromString("40")
	block, err := signer.BuildAndSign(tip, Work(0x7202df8a7c380578), Payload{
		Subtype: SubtypeSend,
		Link:    link,
		Balance: newBalance,
	})
	if err != nil {
		t.Fatalf("BuildAndSign failed: %v", err)
	}

	if block.Account != signer.Account() {
		t.Error("Expected block account to match signer")
	}
	if block.Previous != frontier {
		t.Error("Expected previous to be the chain frontier")
	}
	if block.Representative != signer.Account() {
		t.Error("Expected representative carried over from the tip")
	}

	if !VerifyBlockSignature(block) {
		t.Error("Expected signature to verify")
	}

	block.Balance, _ = AmountFromString("41")
	if VerifyBlockSignature(block) {
		t.Error("Expected tampered block to fail verification")
	}
}

func TestBuildAndSignRepresentativeOverride(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	newRep, err := GenerateSigner()
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	frontier, _ := HashFromHex("991CF190094C00F0B68E2E5F75F6BEE95A2E0BD93CEAA4A6734DB9F19B728948")
	balance, _ := AmountFromString("100")

	tip := ChainTip{
		Frontier:       frontier,
		Representative: signer.Account(),
		Balance:        balance,
	}

	block, err := signer.BuildAndSign(tip, Work(0x7202df8a7c380578), Payload{
		Subtype:        SubtypeChange,
		Balance:        balance,
		Representative: newRep.Account(),
	})
	if err != nil {
		t.Fatalf("BuildAndSign failed: %v", err)
	}

	if block.Representative != newRep.Account() {
		t.Error("Expected payload representative to take precedence")
	}
	if !VerifyBlockSignature(block) {
		t.Error("Expected signature to verify")
	}
}
