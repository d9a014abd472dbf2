package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	rewardpool "gitlab.com/scpcorp/reward-pool"
	"gitlab.com/scpcorp/reward-pool/common"
	"gitlab.com/scpcorp/reward-pool/localstore"
	"gitlab.com/scpcorp/reward-pool/metrics"
	"gitlab.com/scpcorp/reward-pool/pooldb"
	solanapool "gitlab.com/scpcorp/reward-pool/solana"
)

type Config struct {
	Cluster string `long:"cluster" env:"CLUSTER" default:"devnet" choice:"devnet" choice:"mainnet" choice:"localnet" description:"solana cluster preset, ignored if rpc-url is set"`
	RPCURL  string `long:"rpc-url" env:"RPC_URL" description:"custom RPC endpoint"`
	WSURL   string `long:"ws-url" env:"WS_URL" description:"custom websocket endpoint, confirmations are polled without it"`

	ProgramID string `long:"program-id" env:"PROGRAM_ID" required:"true" description:"address of the deployed pool program"`
	PoolSeed  string `long:"pool-seed" env:"POOL_SEED" default:"token" description:"seed of the pool account address"`

	PayerKeygenFile       string `long:"payer-keygen-file" env:"PAYER_KEYGEN_FILE" required:"true" description:"solana-keygen file of the fee payer"`
	SourceKeygenFile      string `long:"source-keygen-file" env:"SOURCE_KEYGEN_FILE" description:"solana-keygen file of the source wallet, the payer is used if empty"`
	DestinationKeygenFile string `long:"destination-keygen-file" env:"DESTINATION_KEYGEN_FILE" description:"solana-keygen file of the destination wallet"`
	DestinationAddress    string `long:"destination-address" env:"DESTINATION_ADDRESS" description:"destination wallet address, used if no keygen file is given"`

	RegistryDBCfgPath string `long:"registry-db-cfg" env:"REGISTRY_DB_CFG" description:"path to Postgres registry config, the embedded registry is used if empty"`
	RegistryPath      string `long:"registry-path" env:"REGISTRY_PATH" default:"./reward-pool.db" description:"path to the embedded registry file"`

	TransferAmount      uint64        `long:"transfer-amount" env:"TRANSFER_AMOUNT" default:"5" description:"base units transferred on every run"`
	ConfirmationTimeout time.Duration `long:"confirmation-timeout" env:"CONFIRMATION_TIMEOUT" default:"2m" description:"how long to wait for a transaction to be confirmed"`

	PushgatewayURL string `long:"pushgateway-url" env:"PUSHGATEWAY_URL" description:"Prometheus Pushgateway to push run metrics to"`
	LogLevel       string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus log level"`
	LogJSON        bool   `long:"log-json" env:"LOG_JSON" description:"log in JSON format"`
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(c Config) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func poolConfigFromConfig(c Config) (solanapool.PoolConfig, error) {
	program, err := common.AddressFromString(c.ProgramID)
	if err != nil {
		return solanapool.PoolConfig{}, fmt.Errorf("bad program id: %w", err)
	}

	var config solanapool.PoolConfig
	switch {
	case c.RPCURL != "":
		config = solanapool.NewCustomConfig(c.RPCURL, c.WSURL, c.PayerKeygenFile, program)
	case c.Cluster == "mainnet":
		config = solanapool.NewMainNetConfig(c.PayerKeygenFile, program)
	case c.Cluster == "localnet":
		config = solanapool.NewLocalNetConfig(c.PayerKeygenFile, program)
	default:
		config = solanapool.NewDevNetConfig(c.PayerKeygenFile, program)
	}
	return config.
		WithPoolSeed(c.PoolSeed).
		WithConfirmationTimeout(c.ConfirmationTimeout), nil
}

func settingsFromConfig(c Config) (rewardpool.Settings, error) {
	sourceFile := c.SourceKeygenFile
	if sourceFile == "" {
		sourceFile = c.PayerKeygenFile
	}
	from, err := solana.PrivateKeyFromSolanaKeygenFile(sourceFile)
	if err != nil {
		return rewardpool.Settings{}, fmt.Errorf("cannot load source wallet: %w", err)
	}

	var to solana.PublicKey
	switch {
	case c.DestinationKeygenFile != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(c.DestinationKeygenFile)
		if err != nil {
			return rewardpool.Settings{}, fmt.Errorf("cannot load destination wallet: %w", err)
		}
		to = key.PublicKey()
	case c.DestinationAddress != "":
		to, err = common.AddressFromString(c.DestinationAddress)
		if err != nil {
			return rewardpool.Settings{}, fmt.Errorf("bad destination address: %w", err)
		}
	default:
		return rewardpool.Settings{}, fmt.Errorf("destination wallet is not configured")
	}

	return rewardpool.Settings{
		From:           from,
		To:             to,
		TransferAmount: c.TransferAmount,
	}, nil
}

type registry interface {
	rewardpool.MintRegistry
	rewardpool.Guard
	Close() error
}

var (
	_ registry = (*pooldb.PoolDB)(nil)
	_ registry = (*localstore.Store)(nil)

	_ rewardpool.Pool = (*solanapool.RewardPool)(nil)
)

func openRegistry(c Config) (registry, error) {
	if c.RegistryDBCfgPath != "" {
		db, err := pooldb.OpenPostgresWithRetries(c.RegistryDBCfgPath, 3)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
		}
		pdb, err := pooldb.NewDB(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
		}
		return pdb, nil
	}
	return localstore.Open(c.RegistryPath, time.Second)
}

type App struct {
	config      Config
	coordinator *rewardpool.Coordinator
	metrics     *metrics.Metrics
	pool        *solanapool.RewardPool
	registry    registry
	log         *logrus.Entry
}

func New(ctx context.Context, c Config) (*App, error) {
	poolConfig, err := poolConfigFromConfig(c)
	if err != nil {
		return nil, err
	}
	settings, err := settingsFromConfig(c)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:  c,
		metrics: metrics.New(),
		log:     logrus.StandardLogger().WithField("type", "app"),
	}
	a.registry, err = openRegistry(c)
	if err != nil {
		return nil, fmt.Errorf("failed to open mint registry: %w", err)
	}
	a.pool, err = solanapool.NewRewardPool(ctx, poolConfig)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create reward pool: %w", err)
	}
	a.coordinator, err = rewardpool.New(settings, a.pool, a.registry, a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("could not initialize coordinator: %w", err)
	}
	return a, nil
}

// Run executes the workflow once and pushes its metrics.
func (a *App) Run(ctx context.Context) (*common.Report, error) {
	report, err := a.coordinator.Run(ctx)
	a.metrics.Observe(report, err)
	if a.config.PushgatewayURL != "" {
		if pushErr := a.metrics.Push(a.config.PushgatewayURL); pushErr != nil {
			a.log.WithError(pushErr).Warn("failed to push metrics")
		}
	}
	return report, err
}

func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.WithError(err).Warn("registry.Close failed")
		}
	}
}
