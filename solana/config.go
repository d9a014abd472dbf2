package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// DefaultPoolSeed is the seed the pool account address is derived with.
	DefaultPoolSeed = "token"

	DefaultDecimals       = 1
	DefaultInitialSupply  = 10000
	DefaultTransferAmount = 5
)

type PoolConfig struct {
	// Cluster config. WS may be empty, confirmations are polled then.
	Cluster rpc.Cluster

	// Path to a solana-keygen file with the fee payer keypair.
	PayerKeygenFile string

	// Pool program address. The pool account is owned by it.
	PoolProgram solana.PublicKey

	// Seed used to derive the pool account address from the payer.
	PoolSeed string

	// Number of decimals of a newly created mint.
	Decimals uint8

	// Base units minted into the source holding account on the first run.
	InitialSupply uint64

	// Commitment used for reads, preflight and confirmations.
	Commitment rpc.CommitmentType

	// How long to wait for a submitted transaction to reach Commitment.
	ConfirmationTimeout time.Duration

	// Interval between signature status polls when no websocket is used.
	PollInterval time.Duration

	// Estimated cost of one signature and the number of signatures the payer
	// must be able to afford before the workflow starts.
	LamportsPerSignature uint64
	SignatureBudget      uint64
}

func defaultConfig(cluster rpc.Cluster, payerKeygenFile string, program solana.PublicKey) PoolConfig {
	return PoolConfig{
		Cluster:              cluster,
		PayerKeygenFile:      payerKeygenFile,
		PoolProgram:          program,
		PoolSeed:             DefaultPoolSeed,
		Decimals:             DefaultDecimals,
		InitialSupply:        DefaultInitialSupply,
		Commitment:           rpc.CommitmentConfirmed,
		ConfirmationTimeout:  2 * time.Minute,
		PollInterval:         400 * time.Millisecond,
		LamportsPerSignature: 5000,
		SignatureBudget:      100,
	}
}

func NewDevNetConfig(payerKeygenFile string, program solana.PublicKey) PoolConfig {
	return defaultConfig(rpc.DevNet, payerKeygenFile, program)
}

func NewMainNetConfig(payerKeygenFile string, program solana.PublicKey) PoolConfig {
	return defaultConfig(rpc.MainNetBeta, payerKeygenFile, program)
}

func NewLocalNetConfig(payerKeygenFile string, program solana.PublicKey) PoolConfig {
	return defaultConfig(rpc.LocalNet, payerKeygenFile, program)
}

// NewCustomConfig uses explicit endpoints, e.g. a paid RPC provider.
func NewCustomConfig(rpcURL, wsURL, payerKeygenFile string, program solana.PublicKey) PoolConfig {
	return defaultConfig(rpc.Cluster{Name: "custom", RPC: rpcURL, WS: wsURL}, payerKeygenFile, program)
}

// WithConfirmationTimeout returns a copy of the config with a different
// confirmation timeout.
func (c PoolConfig) WithConfirmationTimeout(timeout time.Duration) PoolConfig {
	c.ConfirmationTimeout = timeout
	return c
}

// WithoutWebsocket makes the pool poll signature statuses instead of
// subscribing to them.
func (c PoolConfig) WithoutWebsocket() PoolConfig {
	c.Cluster.WS = ""
	return c
}

// WithPoolSeed returns a copy of the config deriving the pool account with a
// different seed.
func (c PoolConfig) WithPoolSeed(seed string) PoolConfig {
	c.PoolSeed = seed
	return c
}
