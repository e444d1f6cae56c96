package accounts

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

// HashComputer computes state commitments over an accounts database.
//
// Account hash: BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
//
// Accounts hash and delta hash are binary Merkle roots over account hashes
// sorted by pubkey:
//   - Leaf: BLAKE3(0x00 || hash)
//   - Node: BLAKE3(0x01 || left || right), an odd node pairs with the zero hash
type HashComputer struct {
	db DB
}

// NewHashComputer creates a new hash computer with the given database.
func NewHashComputer(db DB) *HashComputer {
	return &HashComputer{db: db}
}

// ComputeAccountHash computes the hash of a single account.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], account.Lamports)
	h.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], account.RentEpoch)
	h.Write(u64[:])

	h.Write(account.Data)

	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeAccountsHash computes the Merkle root of every account in the
// database.
func (h *HashComputer) ComputeAccountsHash() (types.Hash, error) {
	var hashes []types.Hash

	// IterateAccounts yields accounts in pubkey order already.
	err := h.db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "iterate accounts")
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeDeltaHash computes the Merkle root of the current state of the
// given accounts. Deleted accounts contribute the zero hash. The pubkeys are
// sorted in place.
func (h *HashComputer) ComputeDeltaHash(modified []types.Pubkey) (types.Hash, error) {
	if len(modified) == 0 {
		return types.Hash{}, nil
	}

	SortPubkeys(modified)

	hashes := make([]types.Hash, 0, len(modified))
	for _, pubkey := range modified {
		account, err := h.db.GetAccount(pubkey)
		if errors.Is(err, ErrAccountNotFound) {
			hashes = append(hashes, types.Hash{})
			continue
		}
		if err != nil {
			return types.Hash{}, err
		}
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot computes the binary Merkle root of a list of hashes.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = computeNodeHash(level[i], right)
		}
		level = next
	}

	return level[0]
}

func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf)
}

// SortPubkeys sorts a slice of pubkeys in ascending order.
func SortPubkeys(pubkeys []types.Pubkey) {
	sort.Slice(pubkeys, func(i, j int) bool {
		return bytes.Compare(pubkeys[i][:], pubkeys[j][:]) < 0
	})
}
