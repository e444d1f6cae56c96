package flashloan

import (
	"encoding/binary"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

// Ledger layout, repeated once per borrowed asset with no header:
//
//	[resource account:32][obligation:u64 LE]
const EntrySize = types.PubkeySize + 8

// Entry records what one protocol-side asset account must hold again before
// the loan can be closed.
type Entry struct {
	ResourceAccount types.Pubkey
	Obligation      uint64
}

// LedgerSize returns the data size of a ledger holding count entries.
func LedgerSize(count int) int {
	return count * EntrySize
}

// EntryCount returns the number of entries in ledger data.
func EntryCount(data []byte) (int, error) {
	if len(data)%EntrySize != 0 {
		return 0, ErrMalformedLedger
	}
	return len(data) / EntrySize, nil
}

// PutEntry writes e into slot i of ledger data.
func PutEntry(data []byte, i int, e Entry) error {
	off := i * EntrySize
	if i < 0 || off+EntrySize > len(data) {
		return ErrMalformedLedger
	}
	copy(data[off:], e.ResourceAccount[:])
	binary.LittleEndian.PutUint64(data[off+types.PubkeySize:], e.Obligation)
	return nil
}

// GetEntry reads slot i of ledger data.
func GetEntry(data []byte, i int) (Entry, error) {
	var e Entry
	off := i * EntrySize
	if i < 0 || off+EntrySize > len(data) {
		return e, ErrMalformedLedger
	}
	copy(e.ResourceAccount[:], data[off:off+types.PubkeySize])
	e.Obligation = binary.LittleEndian.Uint64(data[off+types.PubkeySize:])
	return e, nil
}

// EncodeLedger serializes entries into ledger data.
func EncodeLedger(entries []Entry) []byte {
	data := make([]byte, LedgerSize(len(entries)))
	for i, e := range entries {
		off := i * EntrySize
		copy(data[off:], e.ResourceAccount[:])
		binary.LittleEndian.PutUint64(data[off+types.PubkeySize:], e.Obligation)
	}
	return data
}

// DecodeLedger parses ledger data into entries.
func DecodeLedger(data []byte) ([]Entry, error) {
	count, err := EntryCount(data)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, count)
	for i := range entries {
		if entries[i], err = GetEntry(data, i); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
