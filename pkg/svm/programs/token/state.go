package token

import (
	"encoding/binary"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

type AccountState byte

const (
	AccountStateUninitialized AccountState = iota
	AccountStateInitialized
	AccountStateFrozen
)

// AccountSize is the size of an SPL token account.
const AccountSize = 165

// amountOffset is where the token balance lives inside an account.
const amountOffset = 64

const optionSize = 4

type Account struct {
	// The mint associated with this account
	Mint types.Pubkey
	// The owner of this account.
	Owner types.Pubkey
	// The amount of tokens this account holds.
	Amount uint64
	// If set, then the 'DelegatedAmount' represents the amount
	// authorized by the delegate.
	Delegate *types.Pubkey
	// The account's state
	State AccountState
	// If set, this is a native token, and the value logs the rent-exempt reserve.
	IsNative *uint64
	// The amount delegated
	DelegatedAmount uint64
	// Optional authority to close the account.
	CloseAuthority *types.Pubkey
}

func (a *Account) Marshal() []byte {
	b := make([]byte, AccountSize)

	offset := 0
	copy(b[offset:], a.Mint[:])
	offset += types.PubkeySize
	copy(b[offset:], a.Owner[:])
	offset += types.PubkeySize
	binary.LittleEndian.PutUint64(b[offset:], a.Amount)
	offset += 8
	offset = putOptionalKey(b, offset, a.Delegate)
	b[offset] = byte(a.State)
	offset++
	if a.IsNative != nil {
		binary.LittleEndian.PutUint32(b[offset:], 1)
		binary.LittleEndian.PutUint64(b[offset+optionSize:], *a.IsNative)
	}
	offset += optionSize + 8
	binary.LittleEndian.PutUint64(b[offset:], a.DelegatedAmount)
	offset += 8
	putOptionalKey(b, offset, a.CloseAuthority)

	return b
}

func (a *Account) Unmarshal(b []byte) bool {
	if len(b) != AccountSize {
		return false
	}

	offset := 0
	copy(a.Mint[:], b[offset:])
	offset += types.PubkeySize
	copy(a.Owner[:], b[offset:])
	offset += types.PubkeySize
	a.Amount = binary.LittleEndian.Uint64(b[offset:])
	offset += 8
	a.Delegate, offset = getOptionalKey(b, offset)
	a.State = AccountState(b[offset])
	offset++
	a.IsNative = nil
	if binary.LittleEndian.Uint32(b[offset:]) == 1 {
		v := binary.LittleEndian.Uint64(b[offset+optionSize:])
		a.IsNative = &v
	}
	offset += optionSize + 8
	a.DelegatedAmount = binary.LittleEndian.Uint64(b[offset:])
	offset += 8
	a.CloseAuthority, _ = getOptionalKey(b, offset)

	return true
}

func putOptionalKey(b []byte, offset int, key *types.Pubkey) int {
	if key != nil {
		binary.LittleEndian.PutUint32(b[offset:], 1)
		copy(b[offset+optionSize:], key[:])
	}
	return offset + optionSize + types.PubkeySize
}

func getOptionalKey(b []byte, offset int) (*types.Pubkey, int) {
	next := offset + optionSize + types.PubkeySize
	if binary.LittleEndian.Uint32(b[offset:]) != 1 {
		return nil, next
	}
	var key types.Pubkey
	copy(key[:], b[offset+optionSize:next])
	return &key, next
}

// AmountOf reads the token balance of raw account data without decoding the
// rest of the layout.
func AmountOf(data []byte) (uint64, error) {
	if len(data) != AccountSize {
		return 0, svm.ErrInvalidAccountData
	}
	return binary.LittleEndian.Uint64(data[amountOffset:]), nil
}
