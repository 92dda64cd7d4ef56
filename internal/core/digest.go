package core

import (
	"InsuranceLedger/internal/types"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	sdkmath "cosmossdk.io/math"
)

// StateDigest returns a SHA-256 over a canonical encoding of the state the
// engine owns: every ledger entry, every pool with its positions, and the
// flash loan default counters. Two cores with equal digests hold identical
// state. Settlement balances are external and not covered.
func (c *DeterministicCore) StateDigest() []byte {
	var enc digestEncoder

	tokens := c.ledger.Tokens()
	enc.u64(uint64(len(tokens)))
	for _, token := range tokens {
		entry := c.ledger.Entry(token)
		enc.str(string(token))
		enc.amount(entry.TotalFunds)

		contributions := c.ledger.Contributions(token)
		enc.u64(uint64(len(contributions)))
		for _, pc := range contributions {
			enc.str(string(pc.Pool))
			enc.amount(pc.Amount)
		}
	}

	views := c.registry.Views()
	enc.u64(uint64(len(views)))
	for _, v := range views {
		enc.str(string(v.ID))
		enc.str(string(v.Token0))
		enc.str(string(v.Token1))
		enc.u64(uint64(v.FeeTier))
		enc.u64(uint64(v.InitializedAt))
		enc.pair(v.TotalContributions)
		enc.pair(v.FeeGrowthGlobal)
		enc.amount(v.Liquidity)

		enc.u64(uint64(len(v.Positions)))
		for _, p := range v.Positions {
			enc.str(string(p.Provider))
			enc.amount(p.Liquidity)
			enc.pair(p.FeeGrowthCheckpoint)
			enc.pair(p.TokensOwed)
		}
	}

	defaulted := make([]types.Token, 0, len(c.defaults))
	for token := range c.defaults {
		defaulted = append(defaulted, token)
	}
	sort.Slice(defaulted, func(i, j int) bool { return defaulted[i] < defaulted[j] })
	enc.u64(uint64(len(defaulted)))
	for _, token := range defaulted {
		enc.str(string(token))
		enc.u64(c.defaults[token])
	}

	sum := sha256.Sum256(enc.buf.Bytes())
	return sum[:]
}

// digestEncoder writes length-prefixed little-endian fields.
type digestEncoder struct {
	buf bytes.Buffer
}

func (e *digestEncoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *digestEncoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf.WriteString(s)
}

// amount encodes sign then magnitude, so zero and nil encode the same.
func (e *digestEncoder) amount(v sdkmath.Int) {
	if v.IsNil() || v.IsZero() {
		e.buf.WriteByte(0)
		e.u64(0)
		return
	}
	if v.IsNegative() {
		e.buf.WriteByte(2)
	} else {
		e.buf.WriteByte(1)
	}
	mag := v.Abs().BigInt().Bytes()
	e.u64(uint64(len(mag)))
	e.buf.Write(mag)
}

func (e *digestEncoder) pair(p [2]sdkmath.Int) {
	e.amount(p[0])
	e.amount(p[1])
}
