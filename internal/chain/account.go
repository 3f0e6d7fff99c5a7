package chain

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// WrappedNativeMint is the mint of the wrapped native token, used as the
// native leg of every swap.
const WrappedNativeMint = "So11111111111111111111111111111111111111112"

// ProgramVariant identifies which of the two mutually incompatible token
// programs owns an asset. It is resolved once per mint from the mint
// account's owner and threaded through transfer construction.
type ProgramVariant uint8

const (
	VariantStandard ProgramVariant = iota
	VariantExtended
)

// ProgramID returns the on-chain program id for the variant.
func (v ProgramVariant) ProgramID() solana.PublicKey {
	if v == VariantExtended {
		return solana.Token2022ProgramID
	}
	return solana.TokenProgramID
}

func (v ProgramVariant) String() string {
	if v == VariantExtended {
		return "extended"
	}
	return "standard"
}

// Token holding accounts are fixed-width binary records: mint at bytes
// 0:32, owner at 32:64, amount at 64:72 little-endian.
const (
	tokenAccountMinLen = 72
	amountOffset       = 64
	ownerOffset        = 32

	// A mint account stores its decimals at byte 44.
	mintDecimalsOffset = 44

	// Fallback when mint data is absent or undecodable.
	defaultDecimals = 6
)

type tokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

func decodeTokenAccount(data []byte) (tokenAccount, error) {
	if len(data) < tokenAccountMinLen {
		return tokenAccount{}, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data[amountOffset:])
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return tokenAccount{}, fmt.Errorf("decode token amount: %w", err)
	}
	return tokenAccount{
		Mint:   solana.PublicKeyFromBytes(data[:32]),
		Owner:  solana.PublicKeyFromBytes(data[ownerOffset : ownerOffset+32]),
		Amount: amount,
	}, nil
}

func decodeMintDecimals(data []byte) uint8 {
	if len(data) <= mintDecimalsOffset {
		return defaultDecimals
	}
	return data[mintDecimalsOffset]
}

// holdingAddress computes the canonical holding account for an
// (owner, mint) pair under the given program variant.
func holdingAddress(owner, mint solana.PublicKey, variant ProgramVariant) (solana.PublicKey, error) {
	if variant == VariantStandard {
		addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		return addr, err
	}
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), variant.ProgramID().Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}
