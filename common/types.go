package common

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// PoolState is the on-chain record of the reward pool. The pool program is
// the only writer of InvocationCount.
type PoolState struct {
	InvocationCount uint32
}

// Branch is the path the mint lifecycle took during a run.
type Branch int

const (
	BranchInitializeMint Branch = iota // First run: a new mint and its initial supply were created.
	BranchReuseMint                    // Later runs: the recorded mint was reattached.
)

func (b Branch) String() string {
	switch b {
	case BranchInitializeMint:
		return "initialize_mint"
	case BranchReuseMint:
		return "reuse_mint"
	default:
		return fmt.Sprintf("branch(%d)", int(b))
	}
}

// Resolution is the result of the mint lifecycle stage: the mint the run
// works with and the holding accounts of both wallets.
type Resolution struct {
	Branch      Branch
	Mint        solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey

	// Set only when the mint was created during this run.
	MintSignature   *solana.Signature
	SupplySignature *solana.Signature
}

// MintRecord binds a pool account to the mint created on its first run.
type MintRecord struct {
	Pool      solana.PublicKey `json:"pool"`
	Mint      solana.PublicKey `json:"mint"`
	Authority solana.PublicKey `json:"authority"`
	Decimals  uint8            `json:"decimals"`
	Signature solana.Signature `json:"signature"`
	CreatedAt time.Time        `json:"created_at"`
}

// MintRecorder persists a newly created mint. It is called once the mint
// transaction is confirmed, before any further transaction is sent.
type MintRecorder func(ctx context.Context, record MintRecord) error

// Receipt describes a confirmed transfer.
type Receipt struct {
	Signature   solana.Signature
	Amount      uint64
	Source      solana.PublicKey
	Destination solana.PublicKey
}

// Report summarizes one run of the workflow.
type Report struct {
	Pool               solana.PublicKey
	PoolCreated        bool
	InvocationCount    uint32
	Resolution         Resolution
	Receipt            Receipt
	InvokeSignature    solana.Signature
	SourceBalance      uint64
	DestinationBalance uint64
	StartedAt          time.Time
	FinishedAt         time.Time
}

const AddressLen = solana.PublicKeyLength

// AddressFromString parses a base58 encoded account address.
func AddressFromString(addrStr string) (addr solana.PublicKey, err error) {
	val, err := base58.Decode(addrStr)
	if err != nil {
		return addr, fmt.Errorf("decode: %w", err)
	}
	if len(val) != AddressLen {
		return addr, fmt.Errorf("invalid length, expected %v, got %d", AddressLen, len(val))
	}
	copy(addr[:], val)
	return
}
