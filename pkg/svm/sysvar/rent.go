// Package sysvar implements the runtime-provided system variables the native
// programs read: Rent, and the Instructions sysvar used for transaction
// introspection.
package sysvar

// Rent parameters.
const (
	// AccountStorageOverhead is charged on top of every account's data length.
	AccountStorageOverhead = uint64(128)

	// DefaultLamportsPerByteYear is the mainnet rent rate.
	DefaultLamportsPerByteYear = uint64(3480)

	// DefaultExemptionThreshold is the number of years of rent an account
	// must hold to be exempt from collection.
	DefaultExemptionThreshold = uint64(2)
)

// Rent determines the minimum balance that exempts an account from storage
// cost reclamation.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  uint64
}

// DefaultRent returns the mainnet rent configuration.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionThreshold:  DefaultExemptionThreshold,
	}
}

// MinimumBalance returns the rent-exempt minimum for an account of dataLen bytes.
func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	return (AccountStorageOverhead + dataLen) * r.LamportsPerByteYear * r.ExemptionThreshold
}

// IsExempt reports whether lamports cover the minimum balance for dataLen.
func (r Rent) IsExempt(lamports, dataLen uint64) bool {
	return lamports >= r.MinimumBalance(dataLen)
}
