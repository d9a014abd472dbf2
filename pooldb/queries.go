package pooldb

import (
	"context"
	"database/sql"
	"time"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

type PoolMint struct {
	Pool      string
	Mint      string
	Authority string
	Decimals  int16
	Signature string
	CreatedAt time.Time
}

type SupersededMint struct {
	ID           int64
	Pool         string
	Mint         string
	SupersededAt time.Time
}

const getPoolMint = `-- name: GetPoolMint :one
SELECT pool, mint, authority, decimals, signature, created_at FROM pool_mints
WHERE pool = $1
`

func (q *Queries) GetPoolMint(ctx context.Context, pool string) (PoolMint, error) {
	row := q.db.QueryRowContext(ctx, getPoolMint, pool)
	var i PoolMint
	err := row.Scan(
		&i.Pool,
		&i.Mint,
		&i.Authority,
		&i.Decimals,
		&i.Signature,
		&i.CreatedAt,
	)
	return i, err
}

const getPoolMintForUpdate = `-- name: GetPoolMintForUpdate :one
SELECT pool, mint, authority, decimals, signature, created_at FROM pool_mints
WHERE pool = $1
FOR UPDATE
`

func (q *Queries) GetPoolMintForUpdate(ctx context.Context, pool string) (PoolMint, error) {
	row := q.db.QueryRowContext(ctx, getPoolMintForUpdate, pool)
	var i PoolMint
	err := row.Scan(
		&i.Pool,
		&i.Mint,
		&i.Authority,
		&i.Decimals,
		&i.Signature,
		&i.CreatedAt,
	)
	return i, err
}

const upsertPoolMint = `-- name: UpsertPoolMint :exec
INSERT INTO pool_mints (pool, mint, authority, decimals, signature, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pool) DO UPDATE SET
    mint = EXCLUDED.mint,
    authority = EXCLUDED.authority,
    decimals = EXCLUDED.decimals,
    signature = EXCLUDED.signature,
    created_at = EXCLUDED.created_at
`

type UpsertPoolMintParams struct {
	Pool      string
	Mint      string
	Authority string
	Decimals  int16
	Signature string
	CreatedAt time.Time
}

func (q *Queries) UpsertPoolMint(ctx context.Context, arg UpsertPoolMintParams) error {
	_, err := q.db.ExecContext(ctx, upsertPoolMint,
		arg.Pool,
		arg.Mint,
		arg.Authority,
		arg.Decimals,
		arg.Signature,
		arg.CreatedAt,
	)
	return err
}

const insertSupersededMint = `-- name: InsertSupersededMint :exec
INSERT INTO superseded_mints (pool, mint, superseded_at)
VALUES ($1, $2, $3)
`

type InsertSupersededMintParams struct {
	Pool         string
	Mint         string
	SupersededAt time.Time
}

func (q *Queries) InsertSupersededMint(ctx context.Context, arg InsertSupersededMintParams) error {
	_, err := q.db.ExecContext(ctx, insertSupersededMint, arg.Pool, arg.Mint, arg.SupersededAt)
	return err
}

const supersededMints = `-- name: SupersededMints :many
SELECT id, pool, mint, superseded_at FROM superseded_mints
WHERE pool = $1
ORDER BY id
`

func (q *Queries) SupersededMints(ctx context.Context, pool string) ([]SupersededMint, error) {
	rows, err := q.db.QueryContext(ctx, supersededMints, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SupersededMint
	for rows.Next() {
		var i SupersededMint
		if err := rows.Scan(
			&i.ID,
			&i.Pool,
			&i.Mint,
			&i.SupersededAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
