package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DerivePoolAddress computes the pool account address from the base
// identity, the seed and the owning program. It does not touch the network,
// so every run recomputes it instead of storing it.
func DerivePoolAddress(base solana.PublicKey, seed string, program solana.PublicKey) (solana.PublicKey, error) {
	addr, err := solana.CreateWithSeed(base, seed, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("cannot derive pool account: %w", err)
	}
	return addr, nil
}

func findATA(walletAddr, mint solana.PublicKey) (solana.PublicKey, error) {
	ataAddr, _, err := solana.FindAssociatedTokenAddress(walletAddr, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("cannot find ata: %w", err)
	}
	return ataAddr, nil
}
