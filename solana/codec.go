package solana

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"gitlab.com/scpcorp/reward-pool/common"
)

// poolStateLayout is the borsh layout shared with the pool program:
// a single little-endian u32, no padding and no version tag.
type poolStateLayout struct {
	Counter uint32
}

// PoolStateSize is the exact length of a pool account's data.
var PoolStateSize = len(EncodePoolState(common.PoolState{}))

// EncodePoolState serializes the pool state into account data.
func EncodePoolState(state common.PoolState) []byte {
	buf := new(bytes.Buffer)
	layout := poolStateLayout{Counter: state.InvocationCount}
	if err := bin.NewBorshEncoder(buf).Encode(&layout); err != nil {
		// Encoding a fixed-size struct into a bytes.Buffer cannot fail.
		panic(fmt.Sprintf("encode pool state: %v", err))
	}
	return buf.Bytes()
}

// DecodePoolState parses pool account data.
func DecodePoolState(data []byte) (common.PoolState, error) {
	if len(data) != PoolStateSize {
		return common.PoolState{}, fmt.Errorf("%w: expected %d bytes, got %d", common.ErrSizeMismatch, PoolStateSize, len(data))
	}
	var layout poolStateLayout
	decoder := bin.NewBorshDecoder(data)
	if err := decoder.Decode(&layout); err != nil {
		return common.PoolState{}, fmt.Errorf("%w: %v", common.ErrMalformed, err)
	}
	if decoder.Remaining() != 0 {
		return common.PoolState{}, fmt.Errorf("%w: %d trailing bytes", common.ErrMalformed, decoder.Remaining())
	}
	return common.PoolState{InvocationCount: layout.Counter}, nil
}
