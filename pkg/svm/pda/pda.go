// Package pda implements Program Derived Address derivation.
//
// A program derived address is sha256(seeds || program_id || "ProgramDerivedAddress")
// with the additional constraint that the digest is not a valid ed25519 point,
// so no private key can exist for it. Only the owning program can "sign" for
// such an address, by presenting the seeds to the runtime.
package pda

import (
	"crypto/sha256"
	"errors"

	"github.com/jdgcs/ed25519/edwards25519"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// PDA marker used in address derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrInvalidSeeds          = errors.New("invalid seeds: derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrInvalidSeeds if the derived address is on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	var addr types.Pubkey

	if len(seeds) > MaxSeeds {
		return addr, ErrMaxSeedsExceeded
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, ErrMaxSeedLengthExceeded
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	copy(addr[:], h.Sum(nil))

	if isOnCurve(addr) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
// The bump is appended as the final seed.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		seedsWithBump[len(seeds)] = []byte{uint8(bump)}

		addr, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return types.Pubkey{}, 0, err
		}
	}

	return types.Pubkey{}, 0, ErrNoViableBump
}

// isOnCurve reports whether the bytes decode to a valid compressed edwards
// point, which is how ed25519 public keys are validated.
func isOnCurve(point types.Pubkey) bool {
	var A edwards25519.ExtendedGroupElement
	b := [32]byte(point)
	return A.FromBytes(&b)
}
