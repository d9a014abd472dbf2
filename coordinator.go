package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
)

// Pool is the ledger side of the workflow. Every call queries the ledger
// again; results are not cached between stages.
type Pool interface {
	CheckConnection(ctx context.Context) (string, error)
	CheckPayer(ctx context.Context) (balance, required uint64, err error)
	CheckProgram(ctx context.Context) error
	PoolAddress() (solana.PublicKey, error)
	EnsurePoolAccount(ctx context.Context, addr solana.PublicKey) (common.PoolState, bool, error)
	Resolve(ctx context.Context, pool solana.PublicKey, state common.PoolState, prior *solana.PublicKey, from solana.PrivateKey, to solana.PublicKey, record common.MintRecorder) (*common.Resolution, error)
	Transfer(ctx context.Context, res *common.Resolution, authority solana.PrivateKey, amount uint64) (*common.Receipt, error)
	RecordInvocation(ctx context.Context, pool solana.PublicKey) (solana.Signature, error)
	TokenBalance(ctx context.Context, holding solana.PublicKey) (uint64, error)
}

// MintRegistry remembers which mint was created for a pool.
type MintRegistry interface {
	// Mint returns common.ErrNotExists if no mint is recorded for the pool.
	Mint(ctx context.Context, pool solana.PublicKey) (*common.MintRecord, error)
	SaveMint(ctx context.Context, record common.MintRecord) error
}

// Guard makes sure only one invocation works with a pool at a time.
// Acquire fails with common.ErrPoolBusy if the pool is already held.
type Guard interface {
	Acquire(ctx context.Context, pool solana.PublicKey) (release func() error, err error)
}

type Settings struct {
	// Source wallet. It owns the source holding account and is the mint
	// authority of a newly created mint.
	From solana.PrivateKey

	// Destination wallet.
	To solana.PublicKey

	// Base units moved on every run.
	TransferAmount uint64
}

type Coordinator struct {
	settings Settings
	pool     Pool
	registry MintRegistry
	guard    Guard

	now func() time.Time
	log *logrus.Entry
}

func New(settings Settings, pool Pool, registry MintRegistry, guard Guard) (*Coordinator, error) {
	if settings.From == nil {
		return nil, fmt.Errorf("source wallet is not set")
	}
	if settings.To.IsZero() {
		return nil, fmt.Errorf("destination wallet is not set")
	}
	if settings.TransferAmount == 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	return &Coordinator{
		settings: settings,
		pool:     pool,
		registry: registry,
		guard:    guard,
		now:      time.Now,
		log:      logrus.StandardLogger().WithField("type", "rewardpool/Coordinator"),
	}, nil
}

// Run executes the workflow once: checks, pool account, mint lifecycle,
// transfer and the pool program invocation. Nothing is retried. The report is
// returned on failure too and holds whatever progress was made.
func (c *Coordinator) Run(ctx context.Context) (*common.Report, error) {
	report := &common.Report{StartedAt: c.now()}
	err := c.run(ctx, report)
	report.FinishedAt = c.now()
	return report, err
}

func (c *Coordinator) run(ctx context.Context, report *common.Report) error {
	if _, err := c.pool.CheckConnection(ctx); err != nil {
		return err
	}
	if _, _, err := c.pool.CheckPayer(ctx); err != nil {
		return err
	}
	if err := c.pool.CheckProgram(ctx); err != nil {
		return err
	}

	addr, err := c.pool.PoolAddress()
	if err != nil {
		return err
	}
	report.Pool = addr
	log := c.log.WithField("pool", addr.String())

	release, err := c.guard.Acquire(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			log.WithError(err).Warn("failed to release pool guard")
		}
	}()

	state, created, err := c.pool.EnsurePoolAccount(ctx, addr)
	if err != nil {
		return err
	}
	report.PoolCreated = created
	report.InvocationCount = state.InvocationCount

	prior, err := c.priorMint(ctx, addr, state, log)
	if err != nil {
		return err
	}

	res, err := c.pool.Resolve(ctx, addr, state, prior, c.settings.From, c.settings.To, c.registry.SaveMint)
	if err != nil {
		return err
	}
	report.Resolution = *res

	receipt, err := c.pool.Transfer(ctx, res, c.settings.From, c.settings.TransferAmount)
	if err != nil {
		return err
	}
	report.Receipt = *receipt

	sig, err := c.pool.RecordInvocation(ctx, addr)
	if err != nil {
		// The transfer already landed. The next run sees the old counter.
		log.WithError(err).WithField("transfer", receipt.Signature.String()).Error("Transfer is not recorded by the pool program")
		return err
	}
	report.InvokeSignature = sig

	c.reportBalances(ctx, report, log)
	log.WithFields(logrus.Fields{
		"branch":      res.Branch.String(),
		"mint":        res.Mint.String(),
		"source":      report.SourceBalance,
		"destination": report.DestinationBalance,
	}).Info("Run finished")
	return nil
}

// priorMint returns the recorded mint of the pool or nil if there is none.
func (c *Coordinator) priorMint(ctx context.Context, addr solana.PublicKey, state common.PoolState, log *logrus.Entry) (*solana.PublicKey, error) {
	rec, err := c.registry.Mint(ctx, addr)
	if errors.Is(err, common.ErrNotExists) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if state.InvocationCount == 0 {
		log.WithField("mint", rec.Mint.String()).Warn("Pool has not been invoked yet, recorded mint will be superseded")
	}
	return &rec.Mint, nil
}

func (c *Coordinator) reportBalances(ctx context.Context, report *common.Report, log *logrus.Entry) {
	var err error
	report.SourceBalance, err = c.pool.TokenBalance(ctx, report.Resolution.Source)
	if err != nil {
		log.WithError(err).Warn("failed to read source balance")
	}
	report.DestinationBalance, err = c.pool.TokenBalance(ctx, report.Resolution.Destination)
	if err != nil {
		log.WithError(err).Warn("failed to read destination balance")
	}
}
