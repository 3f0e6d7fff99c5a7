package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"

	"SolVolume/internal/wallet"
)

type fakeSubmitter struct {
	raw [][]byte
}

func (f *fakeSubmitter) SubmitRawTransaction(_ context.Context, raw []byte) (string, error) {
	f.raw = append(f.raw, raw)
	return "submitted-signature", nil
}

func quoteHandler(hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"inAmount":  "1000000",
			"outAmount": "5000000",
		})
	}
}

func TestQuoteFallsBackAndPromotesEndpoint(t *testing.T) {
	// The primary endpoint is unreachable (server closed right away),
	// the secondary answers.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	var secondaryHits atomic.Int32
	secondary := httptest.NewServer(quoteHandler(&secondaryHits))
	defer secondary.Close()

	c := NewClient(&fakeSubmitter{}, []Endpoint{
		{Name: "dead", QuoteURL: dead.URL + "/quote", SwapURL: dead.URL + "/swap"},
		{Name: "live", QuoteURL: secondary.URL + "/quote", SwapURL: secondary.URL + "/swap"},
	})

	q, err := c.Quote(context.Background(), "mintA", "mintB", 1_000_000, 50)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.OutAmount != 5_000_000 {
		t.Fatalf("outAmount = %d, want 5000000", q.OutAmount)
	}
	if c.defaultIdx != 1 {
		t.Fatalf("successful endpoint not promoted, defaultIdx = %d", c.defaultIdx)
	}

	// The promoted endpoint serves the next call directly.
	if _, err := c.Quote(context.Background(), "mintA", "mintB", 1_000_000, 50); err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if got := secondaryHits.Load(); got != 2 {
		t.Fatalf("secondary hits = %d, want 2", got)
	}
}

func TestQuoteHTTPErrorSkipsEndpointWithoutRetry(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer primary.Close()

	var secondaryHits atomic.Int32
	secondary := httptest.NewServer(quoteHandler(&secondaryHits))
	defer secondary.Close()

	c := NewClient(&fakeSubmitter{}, []Endpoint{
		{Name: "rejecting", QuoteURL: primary.URL, SwapURL: primary.URL},
		{Name: "live", QuoteURL: secondary.URL, SwapURL: secondary.URL},
	})

	if _, err := c.Quote(context.Background(), "mintA", "mintB", 500, 50); err != nil {
		t.Fatalf("quote: %v", err)
	}
	// HTTP errors are definitive: one hit, no same-endpoint retries.
	if got := primaryHits.Load(); got != 1 {
		t.Fatalf("primary hits = %d, want 1", got)
	}
	if got := secondaryHits.Load(); got != 1 {
		t.Fatalf("secondary hits = %d, want 1", got)
	}
}

func TestQuoteErrorFieldIsDefinitive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no route"})
	}))
	defer srv.Close()

	c := NewClient(&fakeSubmitter{}, []Endpoint{{Name: "only", QuoteURL: srv.URL, SwapURL: srv.URL}})
	if _, err := c.Quote(context.Background(), "mintA", "mintB", 500, 50); err == nil {
		t.Fatal("expected error for rejected quote")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

func TestSwapTransactionPayloadTracksEndpointVersion(t *testing.T) {
	for _, tc := range []struct {
		version    int
		wantFields bool
	}{
		{version: 0, wantFields: false},
		{version: 1, wantFields: true},
	} {
		var got map[string]interface{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			_ = json.NewEncoder(w).Encode(map[string]string{"swapTransaction": "dGVzdA=="})
		}))

		c := NewClient(&fakeSubmitter{}, []Endpoint{
			{Name: "srv", QuoteURL: srv.URL, SwapURL: srv.URL, Version: tc.version},
		})
		quote := &Quote{Raw: json.RawMessage(`{"inAmount":"1"}`)}
		tx, err := c.SwapTransaction(context.Background(), quote, "payer-address")
		srv.Close()
		if err != nil {
			t.Fatalf("version %d: swap: %v", tc.version, err)
		}
		if tx != "dGVzdA==" {
			t.Fatalf("version %d: tx = %q", tc.version, tx)
		}
		if got["userPublicKey"] != "payer-address" {
			t.Fatalf("version %d: payer missing from payload", tc.version)
		}
		if got["wrapAndUnwrapSol"] != true {
			t.Fatalf("version %d: wrap flag missing", tc.version)
		}
		_, hasDynamic := got["dynamicComputeUnitLimit"]
		_, hasPriority := got["prioritizationFeeLamports"]
		if hasDynamic != tc.wantFields || hasPriority != tc.wantFields {
			t.Fatalf("version %d: fee fields present=%v/%v, want %v", tc.version, hasDynamic, hasPriority, tc.wantFields)
		}
	}
}

// buildUnsignedSwapTx fabricates an aggregator-style transaction with
// placeholder signatures and the trading wallet at the given signer
// slot.
func buildUnsignedSwapTx(t *testing.T, signers []solana.PublicKey, payerIdx int) string {
	t.Helper()
	metas := make(solana.AccountMetaSlice, 0, len(signers))
	for _, pub := range signers {
		metas = append(metas, solana.Meta(pub).SIGNER().WRITE())
	}
	ix := solana.NewInstruction(solana.NewWallet().PublicKey(), metas, []byte{1, 2, 3})
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		solana.Hash{9},
		solana.TransactionPayer(signers[payerIdx]),
	)
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestExecuteSwapResolvesNonZeroSignatureSlot(t *testing.T) {
	trading := wallet.Generate()
	feePayer := wallet.Generate()

	// The aggregator's fee payer occupies slot 0; the trading wallet
	// must find and fill its own slot.
	txBase64 := buildUnsignedSwapTx(t, []solana.PublicKey{feePayer.PublicKey(), trading.PublicKey()}, 0)

	sub := &fakeSubmitter{}
	c := NewClient(sub, []Endpoint{{Name: "unused", QuoteURL: "http://invalid", SwapURL: "http://invalid"}})

	txID, err := c.ExecuteSwap(context.Background(), txBase64, trading)
	if err != nil {
		t.Fatalf("execute swap: %v", err)
	}
	if txID != "submitted-signature" {
		t.Fatalf("txID = %q", txID)
	}
	if len(sub.raw) != 1 {
		t.Fatalf("submissions = %d, want 1", len(sub.raw))
	}

	sent, err := solana.TransactionFromBytes(sub.raw[0])
	if err != nil {
		t.Fatalf("parse submitted tx: %v", err)
	}
	message, err := sent.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}

	slot := -1
	for i, key := range sent.Message.AccountKeys {
		if key.Equals(trading.PublicKey()) {
			slot = i
			break
		}
	}
	if slot <= 0 {
		t.Fatalf("test setup: trading wallet at slot %d, need a non-zero slot", slot)
	}
	if !sent.Signatures[slot].Verify(trading.PublicKey(), message) {
		t.Fatal("trading wallet signature missing from its resolved slot")
	}
	if sent.Signatures[0].Verify(trading.PublicKey(), message) {
		t.Fatal("signature must not land in the fee payer's slot")
	}
}

func TestExecuteSwapFallsBackToSlotZero(t *testing.T) {
	trading := wallet.Generate()
	stranger := wallet.Generate()

	// The trading wallet does not appear in the static account list at
	// all; the signature defaults to slot 0.
	txBase64 := buildUnsignedSwapTx(t, []solana.PublicKey{stranger.PublicKey()}, 0)

	sub := &fakeSubmitter{}
	c := NewClient(sub, []Endpoint{{Name: "unused", QuoteURL: "http://invalid", SwapURL: "http://invalid"}})

	if _, err := c.ExecuteSwap(context.Background(), txBase64, trading); err != nil {
		t.Fatalf("execute swap: %v", err)
	}
	sent, err := solana.TransactionFromBytes(sub.raw[0])
	if err != nil {
		t.Fatalf("parse submitted tx: %v", err)
	}
	message, _ := sent.Message.MarshalBinary()
	if !sent.Signatures[0].Verify(trading.PublicKey(), message) {
		t.Fatal("fallback signature missing from slot 0")
	}
}
