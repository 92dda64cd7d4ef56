package types

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address identifies an external party: trader, liquidity provider,
// borrower, or the host pool manager.
type Address string

// Token identifies an asset held by the ledger.
type Token string

// PoolID is the stable pool key, the hex keccak256 of the PoolKey.
type PoolID string

// PoolKey is the tuple a pool is derived from.
type PoolKey struct {
	Token0  Token
	Token1  Token
	FeeTier uint32
}

// Sorted returns the key with tokens in ascending order.
func (k PoolKey) Sorted() PoolKey {
	if strings.Compare(string(k.Token0), string(k.Token1)) > 0 {
		k.Token0, k.Token1 = k.Token1, k.Token0
	}
	return k
}

// ID derives the pool identifier. Token order does not matter.
func (k PoolKey) ID() PoolID {
	s := k.Sorted()
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(string(s.Token0))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(string(s.Token1))))
	var fee [4]byte
	binary.BigEndian.PutUint32(fee[:], s.FeeTier)
	h.Write(fee[:])
	return PoolID("0x" + hex.EncodeToString(h.Sum(nil)))
}

// Side is the pool leg a token occupies.
type Side uint8

const (
	Side0 Side = iota
	Side1
)

func (s Side) String() string {
	if s == Side1 {
		return "token1"
	}
	return "token0"
}
