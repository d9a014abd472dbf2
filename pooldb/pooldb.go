package pooldb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
	"gitlab.com/scpcorp/reward-pool/common"
)

//go:embed schema.sql
var schemaSql string

var creations = regexp.MustCompile(`CREATE[^;]+;`).FindAllString(schemaSql, -1)

func creationSql(tableName string) string {
	hits := make([]string, 0, 1)
	for _, c := range creations {
		if strings.Contains(c, tableName+" (") {
			hits = append(hits, c)
		}
	}
	if len(hits) != 1 {
		panic(fmt.Sprintf("expect exactly one hit for %s, got %d: %v", tableName, len(hits), hits))
	}
	return hits[0]
}

const (
	dropPoolMintsTable = `
DROP TABLE IF EXISTS pool_mints
`
	dropSupersededMintsTable = `
DROP TABLE IF EXISTS superseded_mints
`
)

var (
	createPoolMintsTable       = creationSql("pool_mints")
	createSupersededMintsTable = creationSql("superseded_mints")
)

var dropSchemas = []struct {
	query       string
	description string
}{
	{dropPoolMintsTable, "drop pool mints table"},
	{dropSupersededMintsTable, "drop superseded mints table"},
}

var createSchemas = []struct {
	query       string
	description string
}{
	{createPoolMintsTable, "create pool mints table"},
	{createSupersededMintsTable, "create superseded mints table"},
}

func handleErrorWithRollback(err error, tx *sql.Tx) error {
	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return rollbackErr
	}
	return err
}

// PoolDB is the Postgres mint registry. It also guards pools with session
// advisory locks, so invocations on different hosts sharing the database
// exclude each other.
type PoolDB struct {
	db  *sql.DB
	log *logrus.Entry

	now func() time.Time
}

func NewDB(db *sql.DB) (*PoolDB, error) {
	pdb := &PoolDB{
		db:  db,
		log: logrus.StandardLogger().WithField("type", "pooldb/PoolDB"),
		now: time.Now,
	}
	if err := pdb.CreateSchemas(); err != nil {
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}
	return pdb, nil
}

func (pdb *PoolDB) CreateSchemas() error {
	lid := uuid.NewString()
	pdb.log.Debugf("CreateSchemas started (%s)", lid)
	defer pdb.log.Debugf("CreateSchemas exited (%s)", lid)
	tx, err := pdb.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, s := range createSchemas {
		if _, err := tx.Exec(s.query); err != nil {
			return handleErrorWithRollback(fmt.Errorf("failed to %s: %w", s.description, err), tx)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (pdb *PoolDB) DropSchemas(cascade bool) error {
	lid := uuid.NewString()
	pdb.log.Debugf("DropSchemas started (%s)", lid)
	defer pdb.log.Debugf("DropSchemas exited (%s)", lid)
	tx, err := pdb.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	suffix := ""
	if cascade {
		suffix = " CASCADE"
	}
	for _, s := range dropSchemas {
		query := s.query + suffix
		if _, err := tx.Exec(query); err != nil {
			return handleErrorWithRollback(fmt.Errorf("failed to %s: %w", s.description, err), tx)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (pdb *PoolDB) Close() error {
	return pdb.db.Close()
}

func (pdb *PoolDB) createDBObjects(ctx context.Context) (*sql.Tx, *Queries, error) {
	tx, err := pdb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	tq := New(pdb.db).WithTx(tx)
	return tx, tq, nil
}

type pdbMethod func(ctx context.Context, tq *Queries) error

type txCommitError struct {
	msg string
}

func (txErr txCommitError) Error() string {
	return txErr.msg
}

func (pdb *PoolDB) runRetryableTransaction(ctx context.Context, fn pdbMethod) error {
	return retry.Do(
		func() error {
			tx, tq, err := pdb.createDBObjects(ctx)
			if err != nil {
				return fmt.Errorf("failed to create db objects: %w", err)
			}
			if err := fn(ctx, tq); err != nil {
				return handleErrorWithRollback(err, tx)
			}
			if err := tx.Commit(); err != nil {
				return txCommitError{msg: err.Error()}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Delay(time.Second),
		retry.Attempts(5),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.As(err, &txCommitError{}) {
				return true
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return true
			}
			return false
		}),
	)
}

func mintRecordFromSql(m PoolMint) (*common.MintRecord, error) {
	pool, err := common.AddressFromString(m.Pool)
	if err != nil {
		return nil, fmt.Errorf("bad pool address: %w", err)
	}
	mint, err := common.AddressFromString(m.Mint)
	if err != nil {
		return nil, fmt.Errorf("bad mint address: %w", err)
	}
	authority, err := common.AddressFromString(m.Authority)
	if err != nil {
		return nil, fmt.Errorf("bad authority address: %w", err)
	}
	sig, err := solana.SignatureFromBase58(m.Signature)
	if err != nil {
		return nil, fmt.Errorf("bad signature: %w", err)
	}
	if m.Decimals < 0 || m.Decimals > 255 {
		return nil, fmt.Errorf("bad decimals: %d", m.Decimals)
	}
	return &common.MintRecord{
		Pool:      pool,
		Mint:      mint,
		Authority: authority,
		Decimals:  uint8(m.Decimals),
		Signature: sig,
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}

// Mint returns the mint recorded for the pool or common.ErrNotExists.
func (pdb *PoolDB) Mint(ctx context.Context, pool solana.PublicKey) (*common.MintRecord, error) {
	lid := uuid.NewString()
	pdb.log.Debugf("Mint started (%s)", lid)
	defer pdb.log.Debugf("Mint exited (%s)", lid)

	m, err := New(pdb.db).GetPoolMint(ctx, pool.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotExists
	} else if err != nil {
		return nil, fmt.Errorf("%w: failed to get pool mint: %w", common.ErrRegistry, err)
	}
	rec, err := mintRecordFromSql(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
	}
	return rec, nil
}

// SaveMint records the mint of the pool. A mint recorded before is moved to
// the superseded mints table.
func (pdb *PoolDB) SaveMint(ctx context.Context, rec common.MintRecord) error {
	lid := uuid.NewString()
	pdb.log.Debugf("SaveMint started (%s)", lid)
	defer pdb.log.Debugf("SaveMint exited (%s)", lid)

	err := pdb.runRetryableTransaction(ctx, func(ctx context.Context, tq *Queries) error {
		prev, err := tq.GetPoolMintForUpdate(ctx, rec.Pool.String())
		if err == nil && prev.Mint != rec.Mint.String() {
			err := tq.InsertSupersededMint(ctx, InsertSupersededMintParams{
				Pool:         prev.Pool,
				Mint:         prev.Mint,
				SupersededAt: pdb.now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to save superseded mint: %w", err)
			}
			pdb.log.WithFields(logrus.Fields{
				"pool": prev.Pool,
				"old":  prev.Mint,
				"new":  rec.Mint.String(),
			}).Warn("Mint superseded")
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get pool mint: %w", err)
		}

		return tq.UpsertPoolMint(ctx, UpsertPoolMintParams{
			Pool:      rec.Pool.String(),
			Mint:      rec.Mint.String(),
			Authority: rec.Authority.String(),
			Decimals:  int16(rec.Decimals),
			Signature: rec.Signature.String(),
			CreatedAt: rec.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save mint: %w", common.ErrRegistry, err)
	}
	return nil
}

// SupersededMints returns the mints that were replaced for the pool, oldest
// first.
func (pdb *PoolDB) SupersededMints(ctx context.Context, pool solana.PublicKey) ([]solana.PublicKey, error) {
	rows, err := New(pdb.db).SupersededMints(ctx, pool.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get superseded mints: %w", common.ErrRegistry, err)
	}
	mints := make([]solana.PublicKey, 0, len(rows))
	for _, row := range rows {
		mint, err := common.AddressFromString(row.Mint)
		if err != nil {
			return nil, fmt.Errorf("%w: bad mint address: %w", common.ErrRegistry, err)
		}
		mints = append(mints, mint)
	}
	return mints, nil
}

func lockKey(pool solana.PublicKey) int64 {
	return int64(murmur3.Sum64(pool[:]))
}

// Acquire takes a session advisory lock keyed by the pool address. The lock
// lives on a dedicated connection until release is called.
func (pdb *PoolDB) Acquire(ctx context.Context, pool solana.PublicKey) (func() error, error) {
	key := lockKey(pool)
	conn, err := pdb.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get connection: %w", common.ErrRegistry, err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to lock pool: %w", common.ErrRegistry, err)
	}
	if !locked {
		conn.Close()
		return nil, fmt.Errorf("%w: %s is locked by another invocation", common.ErrPoolBusy, pool)
	}
	pdb.log.WithField("pool", pool.String()).Debug("Pool locked")

	return func() error {
		defer conn.Close()
		var unlocked bool
		if err := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key).Scan(&unlocked); err != nil {
			return fmt.Errorf("failed to unlock pool: %w", err)
		}
		if !unlocked {
			return fmt.Errorf("pool %s was not locked", pool)
		}
		return nil
	}, nil
}
