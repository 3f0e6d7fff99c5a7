// Package chain implements all direct interaction with the ledger:
// balance queries, holding-account resolution, transfer construction,
// signing and submission.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	apperrors "SolVolume/internal/errors"
	"SolVolume/internal/retry"
	"SolVolume/internal/wallet"
	"SolVolume/pkg/logger"
)

const (
	lamportsPerNative = 1e9

	// Buffer withheld when a transfer would drain an address, so the
	// transaction fee itself stays payable.
	txFeeLamports = 10_000

	transferCheckedIndex  = 12
	createIdempotentIndex = 1
	robustAttempts        = 3
	robustBackoff         = 2 * time.Second
)

// ErrRecipientRestricted reports that the recipient has no holding
// account for the asset and the asset's policy forbids creating one.
var ErrRecipientRestricted = apperrors.New(
	apperrors.CodeRestricted,
	"recipient lacks receiving account and none can be created",
)

// rpcAPI is the slice of the RPC surface the client depends on.
type rpcAPI interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
}

// Client talks to a single RPC endpoint.
type Client struct {
	rpc        rpcAPI
	commitment rpc.CommitmentType
	decimals   DecimalsCache
	timeout    time.Duration
	log        *slog.Logger
}

// Option customises the client.
type Option func(*Client)

// WithCommitment overrides the default confirmed commitment.
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(c *Client) { c.commitment = commitment }
}

// WithDecimalsCache installs a shared mint-decimals cache.
func WithDecimalsCache(cache DecimalsCache) Option {
	return func(c *Client) { c.decimals = cache }
}

// WithTimeout bounds each individual RPC call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// New dials the given RPC endpoint.
func New(endpoint string, opts ...Option) *Client {
	return newClient(rpc.New(endpoint), opts...)
}

func newClient(api rpcAPI, opts ...Option) *Client {
	c := &Client{
		rpc:        api,
		commitment: rpc.CommitmentConfirmed,
		decimals:   NewMemoryDecimalsCache(),
		timeout:    15 * time.Second,
		log:        logger.Named("chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Balance returns the native balance of an address. Any error yields 0:
// callers must treat 0 as "unknown or empty", never as proof of
// emptiness, since a deposit may simply not be indexed yet.
func (c *Client) Balance(ctx context.Context, address string) float64 {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		c.log.Debug("balance query for unparsable address", "address", address, "error", err)
		return 0
	}
	callCtx, cancel := c.call(ctx)
	defer cancel()
	out, err := c.rpc.GetBalance(callCtx, pub, c.commitment)
	if err != nil {
		c.log.Debug("balance query failed", "address", address, "error", err)
		return 0
	}
	return float64(out.Value) / lamportsPerNative
}

// MintDecimals resolves the decimals of a mint, defaulting to 6 when the
// mint account is missing or undecodable.
func (c *Client) MintDecimals(ctx context.Context, mint string) uint8 {
	if d, ok := c.decimals.Get(ctx, mint); ok {
		return d
	}
	d := uint8(defaultDecimals)
	if pub, err := solana.PublicKeyFromBase58(mint); err == nil {
		if data, _, err := c.accountData(ctx, pub); err == nil {
			d = decodeMintDecimals(data)
		}
	}
	c.decimals.Set(ctx, mint, d)
	return d
}

// TokenBalance returns the ui-denominated balance of (address, mint).
// The canonical holding account is consulted first; when it is absent or
// reports zero, every holding account owned by the address is scanned
// under both token programs, matching the mint from the raw binary
// layout. Errors yield 0, same contract as Balance.
func (c *Client) TokenBalance(ctx context.Context, address, mint string) float64 {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0
	}

	divisor := math.Pow10(int(c.MintDecimals(ctx, mint)))

	variant, err := c.resolveVariant(ctx, mintPub)
	if err == nil {
		if canonical, err := holdingAddress(owner, mintPub, variant); err == nil {
			if data, _, err := c.accountData(ctx, canonical); err == nil {
				if acct, err := decodeTokenAccount(data); err == nil && acct.Amount > 0 {
					return float64(acct.Amount) / divisor
				}
			}
		}
	}

	// Fallback scan: some asset configurations make the canonical
	// derivation unreliable for balance visibility.
	var total uint64
	for _, program := range []solana.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		callCtx, cancel := c.call(ctx)
		out, err := c.rpc.GetTokenAccountsByOwner(callCtx, owner,
			&rpc.GetTokenAccountsConfig{ProgramId: &program},
			&rpc.GetTokenAccountsOpts{Commitment: c.commitment, Encoding: solana.EncodingBase64},
		)
		cancel()
		if err != nil {
			continue
		}
		for _, item := range out.Value {
			if item == nil || item.Account.Data == nil {
				continue
			}
			acct, err := decodeTokenAccount(item.Account.Data.GetBinary())
			if err != nil {
				continue
			}
			if acct.Mint.Equals(mintPub) {
				total += acct.Amount
			}
		}
	}
	return float64(total) / divisor
}

// resolveVariant inspects the mint account's owner to decide which token
// program governs the asset.
func (c *Client) resolveVariant(ctx context.Context, mint solana.PublicKey) (ProgramVariant, error) {
	_, owner, err := c.accountData(ctx, mint)
	if err != nil {
		return VariantStandard, apperrors.Wrap(apperrors.CodeNetworkFailure, err, "resolve token program for mint")
	}
	if owner.Equals(solana.Token2022ProgramID) {
		return VariantExtended, nil
	}
	return VariantStandard, nil
}

func (c *Client) accountData(ctx context.Context, account solana.PublicKey) ([]byte, solana.PublicKey, error) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	out, err := c.rpc.GetAccountInfoWithOpts(callCtx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	if out == nil || out.Value == nil {
		return nil, solana.PublicKey{}, fmt.Errorf("account %s not found", account)
	}
	var data []byte
	if out.Value.Data != nil {
		data = out.Value.Data.GetBinary()
	}
	return data, out.Value.Owner, nil
}

// TransferNative moves native currency. When the requested amount would
// drain the sender, it is capped below the balance so the network fee
// stays payable.
func (c *Client) TransferNative(ctx context.Context, from *wallet.Wallet, recipient string, amount float64) (string, error) {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "parse recipient address")
	}
	lamports := uint64(amount * lamportsPerNative)
	if lamports == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "transfer amount rounds to zero")
	}

	callCtx, cancel := c.call(ctx)
	balOut, err := c.rpc.GetBalance(callCtx, from.PublicKey(), c.commitment)
	cancel()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetworkFailure, err, "read sender balance")
	}
	if balOut.Value <= txFeeLamports {
		return "", apperrors.New(apperrors.CodeRejected, "sender balance cannot cover the network fee")
	}
	if lamports+txFeeLamports > balOut.Value {
		lamports = balOut.Value - txFeeLamports
	}

	ix := system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()
	tx, err := c.buildSigned(ctx, from, ix)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx)
}

// TransferAsset moves amountUI of the asset to the recipient, creating
// the recipient's holding account when possible. A policy restriction on
// account creation fails with ErrRecipientRestricted before any funds
// move.
func (c *Client) TransferAsset(ctx context.Context, from *wallet.Wallet, recipient, mint string, amountUI float64) (string, error) {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "parse recipient address")
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "parse mint address")
	}

	variant, err := c.resolveVariant(ctx, mintPub)
	if err != nil {
		return "", err
	}

	source, available, err := c.findHoldingAccount(ctx, from.PublicKey(), mintPub, variant)
	if err != nil {
		return "", err
	}

	decimals := c.MintDecimals(ctx, mint)
	amountRaw := uint64(amountUI * math.Pow10(int(decimals)))
	if amountRaw == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "transfer amount rounds to zero")
	}
	if amountRaw > available {
		amountRaw = available
	}

	dest, err := holdingAddress(to, mintPub, variant)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "derive recipient holding account")
	}

	instructions := make([]solana.Instruction, 0, 2)
	created := false
	if _, _, err := c.accountData(ctx, dest); err != nil {
		instructions = append(instructions, createHoldingAccountInstruction(from.PublicKey(), to, mintPub, dest, variant))
		created = true
	}
	instructions = append(instructions, transferCheckedInstruction(variant, source, mintPub, dest, from.PublicKey(), amountRaw, decimals))

	tx, err := c.buildSigned(ctx, from, instructions...)
	if err != nil {
		return "", err
	}

	// A transaction that creates the receiving account is simulated
	// first: asset issuers can forbid new holding accounts, and that
	// must fail the call before anything is debited.
	if created {
		if err := c.simulateCreation(ctx, tx); err != nil {
			return "", err
		}
	}

	return c.submit(ctx, tx)
}

// EnsureHoldingAccount best-effort creates the recipient's holding
// account in its own transaction, so a later retried transfer does not
// need the creation instruction at all.
func (c *Client) EnsureHoldingAccount(ctx context.Context, payer *wallet.Wallet, recipient, mint string) error {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return err
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return err
	}
	variant, err := c.resolveVariant(ctx, mintPub)
	if err != nil {
		return err
	}
	dest, err := holdingAddress(to, mintPub, variant)
	if err != nil {
		return err
	}
	if _, _, err := c.accountData(ctx, dest); err == nil {
		return nil
	}
	ix := createHoldingAccountInstruction(payer.PublicKey(), to, mintPub, dest, variant)
	tx, err := c.buildSigned(ctx, payer, ix)
	if err != nil {
		return err
	}
	if err := c.simulateCreation(ctx, tx); err != nil {
		return err
	}
	_, err = c.submit(ctx, tx)
	return err
}

// simulateCreation gates any transaction that creates a holding account:
// issuers can forbid new accounts, and that must surface before
// submission.
func (c *Client) simulateCreation(ctx context.Context, tx *solana.Transaction) error {
	callCtx, cancel := c.call(ctx)
	sim, err := c.rpc.SimulateTransaction(callCtx, tx)
	cancel()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNetworkFailure, err, "simulate transaction")
	}
	if sim != nil && sim.Value != nil && sim.Value.Err != nil {
		if isOwnerRestriction(sim.Value.Err, sim.Value.Logs) {
			return ErrRecipientRestricted
		}
		return apperrors.New(apperrors.CodeRejected,
			fmt.Sprintf("transaction simulation rejected: %v", sim.Value.Err))
	}
	return nil
}

// RobustTransferNative retries TransferNative with a fixed backoff.
func (c *Client) RobustTransferNative(ctx context.Context, from *wallet.Wallet, recipient string, amount float64) (string, error) {
	var txID string
	err := retry.DoIf(ctx, robustAttempts, robustBackoff, retryableTransfer, func() error {
		var err error
		txID, err = c.TransferNative(ctx, from, recipient, amount)
		return err
	})
	return txID, err
}

// RobustTransferAsset pre-creates the receiving account best-effort,
// then retries TransferAsset with a fixed backoff.
func (c *Client) RobustTransferAsset(ctx context.Context, from *wallet.Wallet, recipient, mint string, amountUI float64) (string, error) {
	if err := c.EnsureHoldingAccount(ctx, from, recipient, mint); err != nil {
		c.log.Debug("pre-create of receiving account failed", "recipient", recipient, "mint", mint, "error", err)
	}
	var txID string
	err := retry.DoIf(ctx, robustAttempts, robustBackoff, retryableTransfer, func() error {
		var err error
		txID, err = c.TransferAsset(ctx, from, recipient, mint, amountUI)
		return err
	})
	return txID, err
}

// retryableTransfer: definitive rejections and policy restrictions are
// final; anything else is assumed transient.
func retryableTransfer(err error) bool {
	if e, ok := apperrors.From(err); ok {
		return e.Retryable()
	}
	return true
}

func (c *Client) findHoldingAccount(ctx context.Context, owner, mint solana.PublicKey, variant ProgramVariant) (solana.PublicKey, uint64, error) {
	if canonical, err := holdingAddress(owner, mint, variant); err == nil {
		if data, _, err := c.accountData(ctx, canonical); err == nil {
			if acct, err := decodeTokenAccount(data); err == nil && acct.Amount > 0 {
				return canonical, acct.Amount, nil
			}
		}
	}

	program := variant.ProgramID()
	callCtx, cancel := c.call(ctx)
	defer cancel()
	out, err := c.rpc.GetTokenAccountsByOwner(callCtx, owner,
		&rpc.GetTokenAccountsConfig{ProgramId: &program},
		&rpc.GetTokenAccountsOpts{Commitment: c.commitment, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return solana.PublicKey{}, 0, apperrors.Wrap(apperrors.CodeNetworkFailure, err, "scan holding accounts")
	}
	for _, item := range out.Value {
		if item == nil || item.Account.Data == nil {
			continue
		}
		acct, err := decodeTokenAccount(item.Account.Data.GetBinary())
		if err != nil {
			continue
		}
		if acct.Mint.Equals(mint) && acct.Amount > 0 {
			return item.Pubkey, acct.Amount, nil
		}
	}
	return solana.PublicKey{}, 0, apperrors.New(apperrors.CodeRejected, "sender holds none of the asset")
}

func (c *Client) buildSigned(ctx context.Context, signer *wallet.Wallet, instructions ...solana.Instruction) (*solana.Transaction, error) {
	callCtx, cancel := c.call(ctx)
	recent, err := c.rpc.GetLatestBlockhash(callCtx, c.commitment)
	cancel()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetworkFailure, err, "fetch latest blockhash")
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "build transaction")
	}
	if _, err := tx.Sign(signer.Signer()); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "sign transaction")
	}
	return tx, nil
}

// SubmitRawTransaction submits an externally built and signed
// transaction, e.g. one produced by the swap aggregator.
func (c *Client) SubmitRawTransaction(ctx context.Context, raw []byte) (string, error) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	sig, err := c.rpc.SendRawTransactionWithOpts(callCtx, raw, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetworkFailure, err, "submit raw transaction")
	}
	return sig.String(), nil
}

func (c *Client) submit(ctx context.Context, tx *solana.Transaction) (string, error) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	sig, err := c.rpc.SendTransactionWithOpts(callCtx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetworkFailure, err, "submit transaction")
	}
	return sig.String(), nil
}

func transferCheckedInstruction(variant ProgramVariant, source, mint, dest, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = transferCheckedIndex
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	data[9] = decimals
	return solana.NewInstruction(variant.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(source).WRITE(),
		solana.Meta(mint),
		solana.Meta(dest).WRITE(),
		solana.Meta(owner).SIGNER(),
	}, data)
}

func createHoldingAccountInstruction(payer, owner, mint, dest solana.PublicKey, variant ProgramVariant) solana.Instruction {
	if variant == VariantStandard {
		return associatedtokenaccount.NewCreateInstruction(payer, owner, mint).Build()
	}
	// The stock builder hardcodes the standard token program, so the
	// extended variant assembles the create-idempotent call by hand.
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(dest).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(variant.ProgramID()),
	}, []byte{createIdempotentIndex})
}

func isOwnerRestriction(simErr interface{}, logs []string) bool {
	blob := fmt.Sprintf("%v %s", simErr, strings.Join(logs, " "))
	return strings.Contains(blob, "Provided owner is not allowed") ||
		strings.Contains(blob, "IllegalOwner")
}
