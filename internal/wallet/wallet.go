// Package wallet is the only package that touches raw key material.
// Everything else sees addresses, signing callbacks, or the opaque
// base58 secret used for persistence.
package wallet

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Wallet wraps a single ed25519 keypair.
type Wallet struct {
	priv solana.PrivateKey
}

// Generate creates a fresh keypair.
func Generate() *Wallet {
	return &Wallet{priv: solana.NewWallet().PrivateKey}
}

// Load restores a wallet from its base58-encoded 64-byte secret, the
// encoding used by the session store.
func Load(secret string) (*Wallet, error) {
	priv, err := solana.PrivateKeyFromBase58(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("decode wallet secret: %w", err)
	}
	if len(priv) != 64 {
		return nil, fmt.Errorf("wallet secret has %d bytes, want 64", len(priv))
	}
	return &Wallet{priv: priv}, nil
}

// Address returns the base58 public address.
func (w *Wallet) Address() string {
	return w.priv.PublicKey().String()
}

// PublicKey returns the public key.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.priv.PublicKey()
}

// Secret returns the base58 encoding of the full 64-byte secret key.
func (w *Wallet) Secret() string {
	return w.priv.String()
}

// Sign signs raw message bytes.
func (w *Wallet) Sign(message []byte) (solana.Signature, error) {
	return w.priv.Sign(message)
}

// Signer adapts the wallet to the transaction signing callback: it
// yields the private key only for this wallet's own public key.
func (w *Wallet) Signer() func(key solana.PublicKey) *solana.PrivateKey {
	return func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.priv.PublicKey()) {
			priv := w.priv
			return &priv
		}
		return nil
	}
}
