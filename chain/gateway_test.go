package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers JSON-RPC calls from canned per-method handlers.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *RPCError)
	calls    map[string]int
}

func newFakeNode() *fakeNode {
	return &fakeNode{handlers: map[string]func([]json.RawMessage) (any, *RPCError){}, calls: map[string]int{}}
}

func (n *fakeNode) on(method string, h func(params []json.RawMessage) (any, *RPCError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = RPCError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type staticKeys struct{ key ed25519.PrivateKey }

func (s staticKeys) SigningKey(context.Context, string) (ed25519.PrivateKey, error) { return s.key, nil }

type fixture struct {
	node    *fakeNode
	gateway *SolanaGateway
	mint    PublicKey
	escrow  ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node := newFakeNode()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	_, escrow, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	mint := randomKey(t)

	gw, err := NewSolanaGateway(Config{
		RPCURL:         srv.URL,
		USDCMint:       mint.String(),
		ConfirmTimeout: 300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, srv.Client(), staticKeys{escrow}, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{node: node, gateway: gw, mint: mint, escrow: escrow}
}

func tokenAccountsFor(accounts map[string]string) any {
	value := []any{}
	for addr, amount := range accounts {
		value = append(value, map[string]any{
			"pubkey": addr,
			"account": map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{
				"tokenAmount": map[string]any{"amount": amount, "decimals": 6},
			}}}},
		})
	}
	return map[string]any{"value": value}
}

func TestGetBalanceReportsPayoutSourceAccount(t *testing.T) {
	f := newFixture(t)
	a, b := randomKey(t), randomKey(t)
	f.node.on("getTokenAccountsByOwner", func([]json.RawMessage) (any, *RPCError) {
		return tokenAccountsFor(map[string]string{a.String(): "150000000", b.String(): "2500000"}), nil
	})

	bal, err := f.gateway.GetBalance(context.Background(), PublicKeyOf(f.escrow).String())
	require.NoError(t, err)
	// transfers draw from the richest account only
	assert.Equal(t, "150", bal.String())
}

func TestGetBalanceWithoutTokenAccount(t *testing.T) {
	f := newFixture(t)
	f.node.on("getTokenAccountsByOwner", func([]json.RawMessage) (any, *RPCError) {
		return tokenAccountsFor(nil), nil
	})
	bal, err := f.gateway.GetBalance(context.Background(), PublicKeyOf(f.escrow).String())
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestGetBalancePropagatesErrors(t *testing.T) {
	f := newFixture(t)
	f.node.on("getTokenAccountsByOwner", func([]json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32005, Message: "node is behind"}
	})
	_, err := f.gateway.GetBalance(context.Background(), PublicKeyOf(f.escrow).String())
	require.Error(t, err)
}

func (f *fixture) stubAccounts(t *testing.T) {
	escrowOwner := PublicKeyOf(f.escrow).String()
	src, dst := randomKey(t), randomKey(t)
	f.node.on("getTokenAccountsByOwner", func(params []json.RawMessage) (any, *RPCError) {
		var owner string
		_ = json.Unmarshal(params[0], &owner)
		if owner == escrowOwner {
			return tokenAccountsFor(map[string]string{src.String(): "500000000"}), nil
		}
		return tokenAccountsFor(map[string]string{dst.String(): "0"}), nil
	})
	f.node.on("getLatestBlockhash", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": map[string]any{"blockhash": randomKey(t).String(), "lastValidBlockHeight": 100}}, nil
	})
}

func TestTransferConfirms(t *testing.T) {
	f := newFixture(t)
	f.stubAccounts(t)
	f.node.on("sendTransaction", func(params []json.RawMessage) (any, *RPCError) { return "sig", nil })
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{map[string]any{"err": nil, "confirmationStatus": "confirmed"}}}, nil
	})

	var recorded string
	sig, err := f.gateway.Transfer(context.Background(), TransferRequest{
		ChallengeID: "c1",
		Destination: randomKey(t).String(),
		Amount:      decimal.RequireFromString("150.5"),
		OnSigned:    func(s string) error { recorded = s; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, recorded, sig)
	assert.Equal(t, 1, f.node.count("sendTransaction"))
}

func TestTransferNotBroadcastWhenSignatureNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.stubAccounts(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *RPCError) { return "sig", nil })

	_, err := f.gateway.Transfer(context.Background(), TransferRequest{
		ChallengeID: "c1",
		Destination: randomKey(t).String(),
		Amount:      decimal.NewFromInt(10),
		OnSigned:    func(string) error { return errors.New("db down") },
	})
	require.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, 0, f.node.count("sendTransaction"))
}

func TestTransferRejectedByNode(t *testing.T) {
	f := newFixture(t)
	f.stubAccounts(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed: insufficient funds"}
	})

	_, err := f.gateway.Transfer(context.Background(), TransferRequest{ChallengeID: "c1", Destination: randomKey(t).String(), Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrTransferRejected)
	assert.False(t, errors.Is(err, ErrOutcomeUnknown))
}

func TestTransferConfirmationTimeoutIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.stubAccounts(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *RPCError) { return "sig", nil })
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{nil}}, nil
	})

	_, err := f.gateway.Transfer(context.Background(), TransferRequest{ChallengeID: "c1", Destination: randomKey(t).String(), Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrOutcomeUnknown)
}

func TestTransferFailedOnChain(t *testing.T) {
	f := newFixture(t)
	f.stubAccounts(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *RPCError) { return "sig", nil })
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{map[string]any{"err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"}}}, nil
	})

	_, err := f.gateway.Transfer(context.Background(), TransferRequest{ChallengeID: "c1", Destination: randomKey(t).String(), Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrTransferFailed)
}

func TestTransferRecipientWithoutTokenAccount(t *testing.T) {
	f := newFixture(t)
	escrowOwner := PublicKeyOf(f.escrow).String()
	f.node.on("getTokenAccountsByOwner", func(params []json.RawMessage) (any, *RPCError) {
		var owner string
		_ = json.Unmarshal(params[0], &owner)
		if owner == escrowOwner {
			return tokenAccountsFor(map[string]string{randomKey(t).String(): "1"}), nil
		}
		return tokenAccountsFor(nil), nil
	})

	_, err := f.gateway.Transfer(context.Background(), TransferRequest{ChallengeID: "c1", Destination: randomKey(t).String(), Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrTransferRejected)
}

func (f *fixture) stubTransaction(sender, escrow string, signed bool, metaErr any, pre, post string) {
	keys := []string{sender, "11111111111111111111111111111111"}
	required := 1
	if !signed {
		keys = []string{"11111111111111111111111111111111", sender}
	}
	f.node.on("getTransaction", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{
			"meta": map[string]any{
				"err": metaErr,
				"preTokenBalances": []any{
					map[string]any{"accountIndex": 2, "mint": f.mint.String(), "owner": escrow, "uiTokenAmount": map[string]any{"amount": pre, "decimals": 6}},
				},
				"postTokenBalances": []any{
					map[string]any{"accountIndex": 2, "mint": f.mint.String(), "owner": escrow, "uiTokenAmount": map[string]any{"amount": post, "decimals": 6}},
				},
			},
			"transaction": map[string]any{"message": map[string]any{
				"header":      map[string]any{"numRequiredSignatures": required},
				"accountKeys": keys,
			}},
		}, nil
	})
}

func TestVerifyInbound(t *testing.T) {
	sender := randomKey(t).String()
	escrow := randomKey(t).String()
	hundred := decimal.NewFromInt(100)

	cases := []struct {
		name    string
		signed  bool
		metaErr any
		pre     string
		post    string
		want    bool
	}{
		{"exact amount", true, nil, "0", "100000000", true},
		{"within tolerance", true, nil, "5000000", "104995000", true},
		{"outside tolerance", true, nil, "0", "99980000", false},
		{"failed transaction", true, map[string]any{"InstructionError": []any{0, "Custom"}}, "0", "100000000", false},
		{"sender did not sign", false, nil, "0", "100000000", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.stubTransaction(sender, escrow, tc.signed, tc.metaErr, tc.pre, tc.post)
			assert.Equal(t, tc.want, f.gateway.VerifyInbound(context.Background(), "sig", sender, escrow, hundred))
		})
	}
}

func TestVerifyInboundNegativeSignerCount(t *testing.T) {
	f := newFixture(t)
	sender := randomKey(t).String()
	f.node.on("getTransaction", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{
			"meta": map[string]any{"err": nil},
			"transaction": map[string]any{"message": map[string]any{
				"header":      map[string]any{"numRequiredSignatures": -1},
				"accountKeys": []string{sender},
			}},
		}, nil
	})
	assert.NotPanics(t, func() {
		assert.False(t, f.gateway.VerifyInbound(context.Background(), "sig", sender, randomKey(t).String(), decimal.NewFromInt(1)))
	})
}

func TestVerifyInboundMissingTransaction(t *testing.T) {
	f := newFixture(t)
	f.node.on("getTransaction", func([]json.RawMessage) (any, *RPCError) { return nil, nil })
	assert.False(t, f.gateway.VerifyInbound(context.Background(), "sig", randomKey(t).String(), randomKey(t).String(), decimal.NewFromInt(1)))
}

func TestVerifyInboundLookupErrorIsFalse(t *testing.T) {
	f := newFixture(t)
	f.node.on("getTransaction", func([]json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32603, Message: "internal"}
	})
	assert.False(t, f.gateway.VerifyInbound(context.Background(), "sig", randomKey(t).String(), randomKey(t).String(), decimal.NewFromInt(1)))
}

func TestSignatureStatus(t *testing.T) {
	f := newFixture(t)
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{map[string]any{"err": nil, "confirmationStatus": "processed"}}}, nil
	})
	st, err := f.gateway.SignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}
