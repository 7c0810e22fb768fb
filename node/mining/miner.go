// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mining produces proof-of-work certificates for pins.  Unlike a
// block miner it has no template to refresh: the only moving input is the
// anchor, which is re-read from the header tracker on every attempt so a
// freshly synced header immediately buys more lifetime.
package mining

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// ErrNonceExhausted is returned in the unlikely event the 64-bit nonce
// space wraps without a solution.
var ErrNonceExhausted = errors.New("nonce space exhausted")

// TipSource exposes the current chain tips to the miner.
type TipSource interface {
	LastKnownBlockHashes() []chainhash.Hash
}

// Miner searches the nonce space of a pin's certificate until the
// proof-of-work digest falls under a target.
type Miner struct {
	payload *wire.ObjectPayload
	chain   TipSource
	log     *zap.Logger
}

// New returns a miner over the given payload.  The payload's certificate is
// overwritten by Mine.
func New(payload *wire.ObjectPayload, chain TipSource, logger *zap.Logger) *Miner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Miner{
		payload: payload,
		chain:   chain,
		log:     logger.With(zap.String("unit", "miner")),
	}
}

// Mine searches for a nonce whose proof-of-work value is below target.  The
// anchor is refreshed from the tracker on every attempt; the extra lock
// traffic is accepted since a newer anchor buys more lifetime.  Mining runs
// until a solution is found, the context is canceled, or the tracker loses
// its tips.
func (m *Miner) Mine(ctx context.Context, target *uint256.Int) error {
	m.payload.Pow.Type = pow.DefaultType
	m.payload.Pow.Tag = pow.TagLitecoinMain

	bodyID, err := m.payload.GetBodyID()
	if err != nil {
		return err
	}
	idBytes := bodyID.Bytes()

	startNonce, err := wire.RandomUint64()
	if err != nil {
		return err
	}

	estimated := pow.WorkFromValue(target)
	m.log.Info("mining started",
		zap.String("estimated work", estimated.String()),
		zap.Uint64("start nonce", startNonce))

	start := time.Now()
	for nonce := startNonce; nonce < math.MaxUint64; nonce++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tips := m.chain.LastKnownBlockHashes()
		if len(tips) == 0 {
			return chainsync.ErrUnknown
		}
		m.payload.Pow.Anchor = tips[0]
		m.payload.Pow.Nonce = nonce

		digest := pow.Sum(pow.DefaultType, m.payload.Pow.PowBlob(idBytes))
		if pow.HashToValue(&digest).Lt(target) {
			// The certificate changed since any earlier derivation.
			m.payload.InvalidateCache()

			elapsed := time.Since(start)
			attempts := nonce - startNonce + 1
			m.log.Info("mining succeeded",
				zap.Uint64("nonce", nonce),
				zap.Uint64("attempts", attempts),
				zap.Duration("elapsed", elapsed),
				zap.Float64("hashrate", float64(attempts)/
					math.Max(elapsed.Seconds(), 1e-9)))
			return nil
		}
	}

	return ErrNonceExhausted
}
