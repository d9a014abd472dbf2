package localstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMints      = []byte("mints")
	bucketSuperseded = []byte("superseded")
)

// Store is the embedded mint registry. The bolt file lock keeps other
// processes out while the store is open; pools are guarded in process.
type Store struct {
	db  *bolt.DB
	log *logrus.Entry

	mu   sync.Mutex
	held map[solana.PublicKey]struct{}
}

// supersededRecord is the payload of the superseded bucket.
type supersededRecord struct {
	Pool         solana.PublicKey `json:"pool"`
	Mint         solana.PublicKey `json:"mint"`
	SupersededAt time.Time        `json:"superseded_at"`
}

// Open opens or creates the store at path. If another process holds the
// file, Open fails with common.ErrPoolBusy after the timeout.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s is used by another process", common.ErrPoolBusy, path)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMints, bucketSuperseded} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
	}
	return &Store{
		db:   db,
		log:  logrus.StandardLogger().WithFields(logrus.Fields{"type": "localstore/Store", "path": path}),
		held: make(map[solana.PublicKey]struct{}),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Mint returns the mint recorded for the pool or common.ErrNotExists.
func (s *Store) Mint(ctx context.Context, pool solana.PublicKey) (*common.MintRecord, error) {
	var rec common.MintRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMints).Get(pool[:])
		if raw == nil {
			return common.ErrNotExists
		}
		return json.Unmarshal(raw, &rec)
	})
	if errors.Is(err, common.ErrNotExists) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: failed to read mint: %w", common.ErrRegistry, err)
	}
	return &rec, nil
}

// SaveMint records the mint of the pool. A different mint recorded before is
// kept in the superseded bucket.
func (s *Store) SaveMint(ctx context.Context, rec common.MintRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrRegistry, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		mints := tx.Bucket(bucketMints)
		if raw := mints.Get(rec.Pool[:]); raw != nil {
			var prev common.MintRecord
			if err := json.Unmarshal(raw, &prev); err != nil {
				return err
			}
			if !prev.Mint.Equals(rec.Mint) {
				if err := s.supersede(tx, prev); err != nil {
					return err
				}
			}
		}
		return mints.Put(rec.Pool[:], encoded)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save mint: %w", common.ErrRegistry, err)
	}
	return nil
}

func (s *Store) supersede(tx *bolt.Tx, prev common.MintRecord) error {
	bucket := tx.Bucket(bucketSuperseded)
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(supersededRecord{
		Pool:         prev.Pool,
		Mint:         prev.Mint,
		SupersededAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"pool": prev.Pool.String(),
		"old":  prev.Mint.String(),
	}).Warn("Mint superseded")
	return bucket.Put(sequenceKey(seq), encoded)
}

// Big endian keeps bolt's key order equal to insertion order.
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// SupersededMints returns the mints that were replaced for the pool, oldest
// first.
func (s *Store) SupersededMints(ctx context.Context, pool solana.PublicKey) ([]solana.PublicKey, error) {
	var mints []solana.PublicKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuperseded).ForEach(func(k, v []byte) error {
			var rec supersededRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Pool.Equals(pool) {
				mints = append(mints, rec.Mint)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrRegistry, err)
	}
	return mints, nil
}

// Acquire marks the pool as held by this process.
func (s *Store) Acquire(ctx context.Context, pool solana.PublicKey) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[pool]; ok {
		return nil, fmt.Errorf("%w: %s", common.ErrPoolBusy, pool)
	}
	s.held[pool] = struct{}{}

	var once sync.Once
	return func() error {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.held, pool)
		})
		return nil
	}, nil
}
