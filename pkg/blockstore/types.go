// Package blockstore stores executed transactions and their receipts.
//
// Transactions are kept in compiled form: a deduplicated account key list
// with a header describing which keys signed and which are writable, and
// instructions that refer to keys by index. A transaction is identified by
// the BLAKE3 hash of its serialized message.
//
// The store uses BoltDB, one bucket per index, with gob-encoded values.
package blockstore

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

const (
	// MaxAccountKeys is the number of keys addressable by a u8 index.
	MaxAccountKeys = 256

	// MaxMessageSize bounds the serialized message, as the packet data size
	// bounds it on the cluster wire. Every message within it expands to an
	// Instructions sysvar whose offsets fit in a u16.
	MaxMessageSize = 1232
)

var (
	// ErrTooManyAccounts is returned when a transaction references more keys
	// than an index can address.
	ErrTooManyAccounts = errors.New("too many account keys")

	// ErrInvalidMessage is returned for messages whose header or indexes are
	// inconsistent with the key list.
	ErrInvalidMessage = errors.New("invalid transaction message")

	// ErrMessageTooLarge is returned for messages longer than MaxMessageSize.
	ErrMessageTooLarge = errors.New("transaction message too large")
)

// Transaction is a compiled transaction.
type Transaction struct {
	Message TransactionMessage

	// Slot is the slot the transaction executed in. Zero until executed.
	Slot uint64
}

// TransactionMessage contains the transaction instructions and accounts.
type TransactionMessage struct {
	// Header describes the signer and writable layout of AccountKeys.
	Header MessageHeader

	// AccountKeys lists every account referenced by the transaction. The
	// first key is the payer.
	AccountKeys []types.Pubkey

	// Instructions are executed in order.
	Instructions []Instruction
}

// MessageHeader describes the account types in a transaction.
//
// AccountKeys are laid out as writable signers, readonly signers, writable
// non-signers, readonly non-signers.
type MessageHeader struct {
	// NumRequiredSignatures is the number of signatures required.
	NumRequiredSignatures uint8

	// NumReadonlySignedAccounts is the number of readonly signer accounts.
	NumReadonlySignedAccounts uint8

	// NumReadonlyUnsignedAccounts is the number of readonly non-signer accounts.
	NumReadonlyUnsignedAccounts uint8
}

// Instruction represents a single instruction in a transaction.
type Instruction struct {
	// ProgramIDIndex is the index of the program account in AccountKeys.
	ProgramIDIndex uint8

	// AccountIndexes lists the account indexes this instruction uses.
	AccountIndexes []uint8

	// Data is the instruction data passed to the program.
	Data []byte
}

// keyRole orders compiled account keys.
type keyRole int

const (
	rolePayer keyRole = iota
	roleWritableSigner
	roleReadonlySigner
	roleWritable
	roleReadonly
	roleProgram
)

type compiledKey struct {
	key      types.Pubkey
	signer   bool
	writable bool
	program  bool
}

func (k *compiledKey) role() keyRole {
	switch {
	case k.signer && k.writable:
		return roleWritableSigner
	case k.signer:
		return roleReadonlySigner
	case k.writable:
		return roleWritable
	case k.program:
		return roleProgram
	default:
		return roleReadonly
	}
}

// NewTransaction compiles ixs into a transaction paid for by payer.
//
// Keys are ordered payer first, then writable signers, readonly signers,
// writable non-signers, readonly non-signers and finally keys referenced only
// as invoked programs. Within a group keys keep their first-use order. A key
// listed more than once takes the union of its privileges.
func NewTransaction(payer types.Pubkey, ixs ...svm.Instruction) (*Transaction, error) {
	keys := []*compiledKey{{key: payer, signer: true, writable: true}}
	index := map[types.Pubkey]*compiledKey{payer: keys[0]}

	add := func(key types.Pubkey) *compiledKey {
		if k, ok := index[key]; ok {
			return k
		}
		k := &compiledKey{key: key}
		index[key] = k
		keys = append(keys, k)
		return k
	}

	for _, ix := range ixs {
		for _, meta := range ix.Accounts {
			k := add(meta.Pubkey)
			k.signer = k.signer || meta.IsSigner
			k.writable = k.writable || meta.IsWritable
		}
		add(ix.ProgramID).program = true
	}

	if len(keys) > MaxAccountKeys {
		return nil, errors.Wrapf(ErrTooManyAccounts, "%d keys", len(keys))
	}

	groups := make([][]*compiledKey, roleProgram+1)
	groups[rolePayer] = keys[:1]
	for _, k := range keys[1:] {
		groups[k.role()] = append(groups[k.role()], k)
	}

	var msg TransactionMessage
	position := make(map[types.Pubkey]uint8, len(keys))
	for role, group := range groups {
		for _, k := range group {
			position[k.key] = uint8(len(msg.AccountKeys))
			msg.AccountKeys = append(msg.AccountKeys, k.key)
		}
		switch keyRole(role) {
		case rolePayer, roleWritableSigner:
			msg.Header.NumRequiredSignatures += uint8(len(group))
		case roleReadonlySigner:
			msg.Header.NumRequiredSignatures += uint8(len(group))
			msg.Header.NumReadonlySignedAccounts += uint8(len(group))
		case roleReadonly, roleProgram:
			msg.Header.NumReadonlyUnsignedAccounts += uint8(len(group))
		}
	}

	for _, ix := range ixs {
		compiled := Instruction{
			ProgramIDIndex: position[ix.ProgramID],
			AccountIndexes: make([]uint8, len(ix.Accounts)),
			Data:           append([]byte(nil), ix.Data...),
		}
		for i, meta := range ix.Accounts {
			compiled.AccountIndexes[i] = position[meta.Pubkey]
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}

	return &Transaction{Message: msg}, nil
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() types.Hash {
	return blake3.Sum256(tx.Message.Serialize())
}

// Payer returns the account paying for the transaction.
func (m *TransactionMessage) Payer() types.Pubkey {
	if len(m.AccountKeys) == 0 {
		return types.Pubkey{}
	}
	return m.AccountKeys[0]
}

// IsSigner reports whether the key at index signed the transaction.
func (m *TransactionMessage) IsSigner(index int) bool {
	return index < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether the key at index may be written.
func (m *TransactionMessage) IsWritable(index int) bool {
	numSigners := int(m.Header.NumRequiredSignatures)
	if index < numSigners {
		return index < numSigners-int(m.Header.NumReadonlySignedAccounts)
	}
	return index < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsignedAccounts)
}

// Sanitize checks that the header and every index fit the key list.
func (m *TransactionMessage) Sanitize() error {
	numKeys := len(m.AccountKeys)
	h := m.Header
	switch {
	case numKeys == 0:
		return errors.Wrap(ErrInvalidMessage, "no account keys")
	case numKeys > MaxAccountKeys:
		return errors.Wrapf(ErrTooManyAccounts, "%d keys", numKeys)
	case h.NumRequiredSignatures == 0:
		return errors.Wrap(ErrInvalidMessage, "payer must sign")
	case int(h.NumRequiredSignatures) > numKeys:
		return errors.Wrap(ErrInvalidMessage, "more signers than keys")
	case h.NumReadonlySignedAccounts >= h.NumRequiredSignatures:
		return errors.Wrap(ErrInvalidMessage, "payer must be writable")
	case int(h.NumReadonlyUnsignedAccounts) > numKeys-int(h.NumRequiredSignatures):
		return errors.Wrap(ErrInvalidMessage, "readonly count exceeds non-signers")
	}
	if size := m.Size(); size > MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes", size)
	}

	seen := make(map[types.Pubkey]struct{}, numKeys)
	for _, key := range m.AccountKeys {
		if _, ok := seen[key]; ok {
			return errors.Wrapf(ErrInvalidMessage, "duplicate key %s", key)
		}
		seen[key] = struct{}{}
	}

	for i, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) >= numKeys {
			return errors.Wrapf(ErrInvalidMessage, "instruction %d: program index %d", i, ix.ProgramIDIndex)
		}
		for _, idx := range ix.AccountIndexes {
			if int(idx) >= numKeys {
				return errors.Wrapf(ErrInvalidMessage, "instruction %d: account index %d", i, idx)
			}
		}
	}
	return nil
}

// Decompile expands the compiled instructions back into instructions with
// account metas. Privileges are those of the transaction as a whole.
func (m *TransactionMessage) Decompile() ([]svm.Instruction, error) {
	if err := m.Sanitize(); err != nil {
		return nil, err
	}

	ixs := make([]svm.Instruction, len(m.Instructions))
	for i, compiled := range m.Instructions {
		ix := svm.Instruction{
			ProgramID: m.AccountKeys[compiled.ProgramIDIndex],
			Accounts:  make([]svm.AccountMeta, len(compiled.AccountIndexes)),
			Data:      compiled.Data,
		}
		for j, idx := range compiled.AccountIndexes {
			ix.Accounts[j] = svm.AccountMeta{
				Pubkey:     m.AccountKeys[idx],
				IsSigner:   m.IsSigner(int(idx)),
				IsWritable: m.IsWritable(int(idx)),
			}
		}
		ixs[i] = ix
	}
	return ixs, nil
}

// Serialize encodes the message in its hashed wire form:
//
//	header (3 bytes)
//	u16 num_keys, keys
//	u16 num_instructions
//	per instruction: u8 program_index, u16 num_accounts, indexes, u16 data_len, data
//
// All integers are little-endian.
func (m *TransactionMessage) Serialize() []byte {
	buf := make([]byte, 0, m.Size())
	buf = append(buf,
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.AccountKeys)))
	for _, key := range m.AccountKeys {
		buf = append(buf, key[:]...)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.AccountIndexes)))
		buf = append(buf, ix.AccountIndexes...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Size returns the length of the serialized message.
func (m *TransactionMessage) Size() int {
	size := 3 + 2 + len(m.AccountKeys)*types.PubkeySize + 2
	for _, ix := range m.Instructions {
		size += 1 + 2 + len(ix.AccountIndexes) + 2 + len(ix.Data)
	}
	return size
}

// messageReader consumes a serialized message.
type messageReader struct {
	buf []byte
	err error
}

func (r *messageReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.Wrap(ErrInvalidMessage, "truncated message")
		return nil
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b
}

func (r *messageReader) u16() int {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(b))
}

// DeserializeMessage parses the Serialize encoding of a message and
// sanitizes the result.
func DeserializeMessage(data []byte) (*TransactionMessage, error) {
	if len(data) > MaxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}

	r := &messageReader{buf: data}
	m := &TransactionMessage{}

	if hdr := r.next(3); hdr != nil {
		m.Header = MessageHeader{
			NumRequiredSignatures:       hdr[0],
			NumReadonlySignedAccounts:   hdr[1],
			NumReadonlyUnsignedAccounts: hdr[2],
		}
	}

	numKeys := r.u16()
	if numKeys > MaxAccountKeys {
		return nil, errors.Wrapf(ErrTooManyAccounts, "%d keys", numKeys)
	}
	for i := 0; i < numKeys && r.err == nil; i++ {
		var key types.Pubkey
		copy(key[:], r.next(types.PubkeySize))
		m.AccountKeys = append(m.AccountKeys, key)
	}

	numIxs := r.u16()
	for i := 0; i < numIxs && r.err == nil; i++ {
		var ix Instruction
		if b := r.next(1); b != nil {
			ix.ProgramIDIndex = b[0]
		}
		ix.AccountIndexes = append([]uint8(nil), r.next(r.u16())...)
		if n := r.u16(); n > 0 {
			ix.Data = append([]byte(nil), r.next(n)...)
		}
		m.Instructions = append(m.Instructions, ix)
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, errors.Wrapf(ErrInvalidMessage, "%d trailing bytes", len(r.buf))
	}
	if err := m.Sanitize(); err != nil {
		return nil, err
	}
	return m, nil
}

// TransactionError describes why a transaction failed.
type TransactionError struct {
	// InstructionIndex is the top-level instruction that failed, or -1 when
	// the transaction failed before any instruction ran.
	InstructionIndex int

	// Custom is the program error code, when the failure carried one.
	Custom *uint32

	// Message is a human-readable error description.
	Message string
}

func (e *TransactionError) Error() string {
	return e.Message
}

// TransactionStatus is the receipt of an executed transaction.
type TransactionStatus struct {
	// ID is the transaction identifier.
	ID types.Hash

	// Slot is the slot the transaction executed in.
	Slot uint64

	// Err is the error if execution failed, nil on success.
	Err *TransactionError

	// Logs contains program log output.
	Logs []string

	// ComputeUnitsConsumed is the total compute units used.
	ComputeUnitsConsumed uint64

	// StateHash commits to the accounts the transaction wrote.
	StateHash types.Hash
}

// Succeeded reports whether the transaction committed.
func (s *TransactionStatus) Succeeded() bool {
	return s.Err == nil
}

// EncodeSlotKey encodes a slot number as a big-endian 8-byte key.
// Big-endian ensures proper lexicographic ordering.
func EncodeSlotKey(slot uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, slot)
	return key
}

// DecodeSlotKey decodes a slot number from a big-endian 8-byte key.
func DecodeSlotKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// EncodeAddressSlotKey encodes an address+slot+id composite key.
// Format: [32-byte address][8-byte slot big-endian][32-byte id]
func EncodeAddressSlotKey(addr types.Pubkey, slot uint64, id types.Hash) []byte {
	key := make([]byte, 0, types.PubkeySize+8+types.HashSize)
	key = append(key, addr[:]...)
	key = binary.BigEndian.AppendUint64(key, slot)
	return append(key, id[:]...)
}

// DecodeAddressSlotKey decodes an address+slot+id composite key.
func DecodeAddressSlotKey(key []byte) (types.Pubkey, uint64, types.Hash) {
	var (
		addr types.Pubkey
		id   types.Hash
	)
	if len(key) != types.PubkeySize+8+types.HashSize {
		return addr, 0, id
	}
	copy(addr[:], key[:32])
	slot := binary.BigEndian.Uint64(key[32:40])
	copy(id[:], key[40:])
	return addr, slot, id
}
