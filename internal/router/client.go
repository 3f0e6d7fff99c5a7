// Package router talks to the external swap aggregator: price quotes,
// serialized swap transactions, and submission of the signed result.
package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	apperrors "SolVolume/internal/errors"
	"SolVolume/internal/retry"
	"SolVolume/internal/wallet"
	"SolVolume/pkg/logger"
)

const (
	connectAttempts = 3
	retryBase       = 500 * time.Millisecond
)

// DefaultEndpoints is the built-in fallback order when no definitions
// file is configured.
var DefaultEndpoints = []Endpoint{
	{Name: "swap-v1", QuoteURL: "https://api.jup.ag/swap/v1/quote", SwapURL: "https://api.jup.ag/swap/v1/swap", Version: 1},
	{Name: "quote-v6", QuoteURL: "https://quote-api.jup.ag/v6/quote", SwapURL: "https://quote-api.jup.ag/v6/swap", Version: 0},
}

// Quote is one aggregator price quote. Raw carries the untouched quote
// body, which the swap request echoes back verbatim.
type Quote struct {
	InputMint  string
	OutputMint string
	InAmount   uint64
	OutAmount  uint64
	Raw        json.RawMessage
}

// Submitter submits a fully signed raw transaction to the ledger.
type Submitter interface {
	SubmitRawTransaction(ctx context.Context, raw []byte) (string, error)
}

// Client is the aggregator client. It walks the endpoint list in order
// and promotes the first endpoint that succeeds to the instance default,
// so later calls skip known-bad endpoints.
type Client struct {
	http        *http.Client
	submitter   Submitter
	endpoints   []Endpoint
	priorityFee uint64
	log         *slog.Logger

	mu         sync.Mutex
	defaultIdx int
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPriorityFee sets the priority fee attached to version 1+ swap
// payloads, in lamports.
func WithPriorityFee(lamports uint64) Option {
	return func(c *Client) { c.priorityFee = lamports }
}

// NewClient builds an aggregator client over the given endpoint list,
// falling back to DefaultEndpoints when the list is empty.
func NewClient(submitter Submitter, endpoints []Endpoint, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: 12 * time.Second},
		submitter:   submitter,
		endpoints:   endpoints,
		priorityFee: 100_000,
		log:         logger.Named("router"),
	}
	if len(c.endpoints) == 0 {
		c.endpoints = DefaultEndpoints
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quote fetches a price quote. Connection-class failures retry the same
// endpoint up to 3 times with linear backoff; an HTTP error response is
// definitive for that endpoint and moves straight to the next one.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amountRaw uint64, slippageBps int) (*Quote, error) {
	var quote *Quote
	err := c.forEachEndpoint(ctx, func(ep Endpoint) error {
		q, err := c.quoteOnce(ctx, ep, inputMint, outputMint, amountRaw, slippageBps)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// SwapTransaction asks the aggregator to build an unsigned swap
// transaction for the quote. Same fallback discipline as Quote; the
// payload shape follows the endpoint version in use.
func (c *Client) SwapTransaction(ctx context.Context, quote *Quote, payer string) (string, error) {
	if quote == nil {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "nil quote")
	}
	var txBase64 string
	err := c.forEachEndpoint(ctx, func(ep Endpoint) error {
		tx, err := c.swapOnce(ctx, ep, quote, payer)
		if err != nil {
			return err
		}
		txBase64 = tx
		return nil
	})
	if err != nil {
		return "", err
	}
	return txBase64, nil
}

// ExecuteSwap deserializes the aggregator's transaction, signs it with
// the trading wallet and submits it. The aggregator may place the fee
// payer's signature slot anywhere among the required signers, so the
// slot is located by matching public keys in the static account list,
// falling back to slot 0.
func (c *Client) ExecuteSwap(ctx context.Context, txBase64 string, signer *wallet.Wallet) (string, error) {
	rawTx, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRejected, err, "decode swap transaction")
	}
	tx, err := solana.TransactionFromBytes(rawTx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRejected, err, "parse swap transaction")
	}

	numRequired := int(tx.Message.Header.NumRequiredSignatures)
	if numRequired == 0 {
		return "", apperrors.New(apperrors.CodeRejected, "swap transaction requires no signatures")
	}
	slot := 0
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(signer.PublicKey()) && i < numRequired {
			slot = i
			break
		}
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRejected, err, "serialize message")
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRejected, err, "sign swap transaction")
	}
	if len(tx.Signatures) < numRequired {
		tx.Signatures = make([]solana.Signature, numRequired)
	}
	tx.Signatures[slot] = sig

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRejected, err, "serialize signed transaction")
	}
	return c.submitter.SubmitRawTransaction(ctx, signed)
}

// forEachEndpoint walks the endpoint list starting at the current
// default; the first success is promoted to the new default.
func (c *Client) forEachEndpoint(ctx context.Context, call func(Endpoint) error) error {
	c.mu.Lock()
	start := c.defaultIdx
	c.mu.Unlock()

	n := len(c.endpoints)
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		ep := c.endpoints[idx]
		err := call(ep)
		if err == nil {
			c.mu.Lock()
			c.defaultIdx = idx
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		c.log.Warn("aggregator endpoint failed, falling through", "endpoint", ep.Name, "error", err)
	}
	if lastErr == nil {
		lastErr = apperrors.New(apperrors.CodeInitializationFailure, "no aggregator endpoints configured")
	}
	return lastErr
}

func (c *Client) quoteOnce(ctx context.Context, ep Endpoint, inputMint, outputMint string, amountRaw uint64, slippageBps int) (*Quote, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amountRaw, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))
	params.Set("swapMode", "ExactIn")
	reqURL := ep.QuoteURL + "?" + params.Encode()

	var quote *Quote
	err := retry.DoLinear(ctx, connectAttempts, retryBase, connectionClass, func() error {
		body, err := c.get(ctx, reqURL)
		if err != nil {
			return err
		}
		q, err := parseQuote(body, inputMint, outputMint)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	return quote, err
}

func (c *Client) swapOnce(ctx context.Context, ep Endpoint, quote *Quote, payer string) (string, error) {
	payload := map[string]interface{}{
		"quoteResponse":    quote.Raw,
		"userPublicKey":    payer,
		"wrapAndUnwrapSol": true,
	}
	if ep.Version >= 1 {
		payload["dynamicComputeUnitLimit"] = true
		payload["prioritizationFeeLamports"] = c.priorityFee
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "encode swap request")
	}

	var txBase64 string
	err = retry.DoLinear(ctx, connectAttempts, retryBase, connectionClass, func() error {
		respBody, err := c.post(ctx, ep.SwapURL, body)
		if err != nil {
			return err
		}
		var out struct {
			SwapTransaction string `json:"swapTransaction"`
			Error           string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return apperrors.Wrap(apperrors.CodeRejected, err, "decode swap response")
		}
		if out.Error != "" {
			return apperrors.New(apperrors.CodeRejected, "swap rejected: "+out.Error)
		}
		if out.SwapTransaction == "" {
			return apperrors.New(apperrors.CodeRejected, "swap response carries no transaction")
		}
		txBase64 = out.SwapTransaction
		return nil
	})
	return txBase64, err
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "build quote request")
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, reqURL string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "build swap request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetworkFailure, err, "aggregator request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetworkFailure, err, "read aggregator response")
	}
	if resp.StatusCode != http.StatusOK {
		// A reachable endpoint saying no is final for this endpoint.
		return nil, apperrors.New(apperrors.CodeRejected,
			fmt.Sprintf("aggregator returned HTTP %d", resp.StatusCode))
	}
	return body, nil
}

func parseQuote(body []byte, inputMint, outputMint string) (*Quote, error) {
	var payload struct {
		InAmount  string `json:"inAmount"`
		OutAmount string `json:"outAmount"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRejected, err, "decode quote response")
	}
	if payload.Error != "" {
		return nil, apperrors.New(apperrors.CodeRejected, "quote rejected: "+payload.Error)
	}
	inAmount, _ := strconv.ParseUint(payload.InAmount, 10, 64)
	outAmount, _ := strconv.ParseUint(payload.OutAmount, 10, 64)
	return &Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   inAmount,
		OutAmount:  outAmount,
		Raw:        json.RawMessage(body),
	}, nil
}

// connectionClass reports whether an error should retry the same
// endpoint: only transient network failures qualify.
func connectionClass(err error) bool {
	return apperrors.CodeOf(err) == apperrors.CodeNetworkFailure
}
