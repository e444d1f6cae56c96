package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

func key(b byte) types.Pubkey {
	var k types.Pubkey
	k[0] = b
	return k
}

func testInstructions() []svm.Instruction {
	return []svm.Instruction{
		system.Transfer(key(2), key(4), 10),
		token.Transfer(key(5), key(6), key(3), 7),
	}
}

func TestNewTransaction_KeyOrder(t *testing.T) {
	txn, err := NewTransaction(key(1), testInstructions()...)
	require.NoError(t, err)

	msg := txn.Message
	assert.Equal(t, []types.Pubkey{
		key(1),           // payer
		key(2),           // writable signer
		key(3),           // readonly signer
		key(4), key(5), key(6),
		system.ProgramID, token.ProgramID,
	}, msg.AccountKeys)
	assert.Equal(t, MessageHeader{
		NumRequiredSignatures:       3,
		NumReadonlySignedAccounts:   1,
		NumReadonlyUnsignedAccounts: 2,
	}, msg.Header)

	assert.Equal(t, uint8(6), msg.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{1, 3}, msg.Instructions[0].AccountIndexes)
	assert.Equal(t, uint8(7), msg.Instructions[1].ProgramIDIndex)
	assert.Equal(t, []uint8{4, 5, 2}, msg.Instructions[1].AccountIndexes)

	for i, want := range []struct{ signer, writable bool }{
		{true, true}, {true, true}, {true, false},
		{false, true}, {false, true}, {false, true},
		{false, false}, {false, false},
	} {
		assert.Equal(t, want.signer, msg.IsSigner(i), "signer %d", i)
		assert.Equal(t, want.writable, msg.IsWritable(i), "writable %d", i)
	}
}

func TestNewTransaction_MergesPrivileges(t *testing.T) {
	// The payer also appears as a readonly account and stays first.
	ix := svm.Instruction{
		ProgramID: system.ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewReadonlyAccountMeta(key(1), false),
			svm.NewReadonlyAccountMeta(key(2), false),
			svm.NewAccountMeta(key(2), false),
		},
	}
	txn, err := NewTransaction(key(1), ix)
	require.NoError(t, err)

	assert.Equal(t, []types.Pubkey{key(1), key(2), system.ProgramID}, txn.Message.AccountKeys)
	assert.True(t, txn.Message.IsWritable(1))
	assert.Equal(t, []uint8{0, 1, 1}, txn.Message.Instructions[0].AccountIndexes)
}

func TestNewTransaction_TooManyAccounts(t *testing.T) {
	ix := svm.Instruction{ProgramID: system.ProgramID}
	for i := 0; i < MaxAccountKeys; i++ {
		var k types.Pubkey
		k[0], k[1] = byte(i), byte(i>>8)+1
		ix.Accounts = append(ix.Accounts, svm.NewReadonlyAccountMeta(k, false))
	}
	_, err := NewTransaction(key(1), ix)
	assert.ErrorIs(t, err, ErrTooManyAccounts)
}

func TestDecompile(t *testing.T) {
	ixs := testInstructions()
	txn, err := NewTransaction(key(1), ixs...)
	require.NoError(t, err)

	decompiled, err := txn.Message.Decompile()
	require.NoError(t, err)
	assert.Equal(t, ixs, decompiled)
}

func TestSanitize(t *testing.T) {
	valid := func() TransactionMessage {
		txn, err := NewTransaction(key(1), testInstructions()...)
		require.NoError(t, err)
		return txn.Message
	}
	m := valid()
	require.NoError(t, m.Sanitize())

	tests := []struct {
		name   string
		mutate func(m *TransactionMessage)
	}{
		{"no keys", func(m *TransactionMessage) { m.AccountKeys = nil }},
		{"no signers", func(m *TransactionMessage) { m.Header.NumRequiredSignatures = 0 }},
		{"readonly payer", func(m *TransactionMessage) { m.Header.NumReadonlySignedAccounts = 3 }},
		{"too many readonly", func(m *TransactionMessage) { m.Header.NumReadonlyUnsignedAccounts = 6 }},
		{"duplicate key", func(m *TransactionMessage) { m.AccountKeys[3] = m.AccountKeys[4] }},
		{"program index", func(m *TransactionMessage) { m.Instructions[0].ProgramIDIndex = 8 }},
		{"account index", func(m *TransactionMessage) { m.Instructions[1].AccountIndexes[0] = 200 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			assert.ErrorIs(t, m.Sanitize(), ErrInvalidMessage)

			_, err := m.Decompile()
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestTransactionID(t *testing.T) {
	a, err := NewTransaction(key(1), testInstructions()...)
	require.NoError(t, err)
	b, err := NewTransaction(key(1), testInstructions()...)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())

	// The slot is not part of the message.
	b.Slot = 9
	assert.Equal(t, a.ID(), b.ID())

	b.Message.Instructions[0].Data[4]++
	assert.NotEqual(t, a.ID(), b.ID())
}

func openStore(t *testing.T, path string) *BoltStore {
	store, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	return store
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts", "receipts.db")
	store := openStore(t, path)

	first, err := NewTransaction(key(1), testInstructions()...)
	require.NoError(t, err)
	first.Slot = 3
	second, err := NewTransaction(key(1), system.Transfer(key(2), key(9), 1))
	require.NoError(t, err)
	second.Slot = 5

	code := uint32(6)
	statuses := []*TransactionStatus{
		{
			ID:                   first.ID(),
			Slot:                 3,
			Logs:                 []string{"Program log: Instruction: Transfer"},
			ComputeUnitsConsumed: 4650,
			StateHash:            types.Hash{1},
		},
		{
			ID:   second.ID(),
			Slot: 5,
			Err: &TransactionError{
				InstructionIndex: 0,
				Custom:           &code,
				Message:          "instruction 0 failed",
			},
			Logs: []string{"Transfer: insufficient lamports"},
		},
	}

	require.NoError(t, store.PutTransaction(first, statuses[0]))
	require.NoError(t, store.PutTransaction(second, statuses[1]))

	got, err := store.GetTransaction(first.ID())
	require.NoError(t, err)
	assert.Equal(t, first, got)

	status, err := store.GetStatus(second.ID())
	require.NoError(t, err)
	assert.Equal(t, statuses[1], status)
	assert.False(t, status.Succeeded())

	_, err = store.GetStatus(types.Hash{7})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	ids, err := store.GetTransactionsForSlot(3)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{first.ID()}, ids)

	ids, err = store.GetTransactionsForAddress(key(2), 0)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{second.ID(), first.ID()}, ids)

	ids, err = store.GetTransactionsForAddress(key(2), 1)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{second.ID()}, ids)

	ids, err = store.GetTransactionsForAddress(key(6), 0)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{first.ID()}, ids)

	ids, err = store.GetTransactionsForAddress(key(8), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Re-storing a receipt does not count the transaction twice.
	require.NoError(t, store.PutTransaction(first, statuses[0]))

	mismatched := *statuses[0]
	mismatched.ID = types.Hash{9}
	assert.Error(t, store.PutTransaction(first, &mismatched))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Close(), ErrClosed)
	_, err = store.GetStatus(first.ID())
	assert.ErrorIs(t, err, ErrClosed)

	store = openStore(t, path)
	defer store.Close()

	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.LatestSlot)
	assert.Equal(t, uint64(2), stats.TransactionCount)
	assert.Positive(t, stats.DatabaseSize)
	assert.Equal(t, uint64(5), store.GetLatestSlot())
}

func TestAddressSlotKey(t *testing.T) {
	k := EncodeAddressSlotKey(key(4), 77, types.Hash{5})
	addr, slot, id := DecodeAddressSlotKey(k)
	assert.Equal(t, key(4), addr)
	assert.Equal(t, uint64(77), slot)
	assert.Equal(t, types.Hash{5}, id)

	assert.Equal(t, uint64(1<<40), DecodeSlotKey(EncodeSlotKey(1<<40)))
	assert.Zero(t, DecodeSlotKey([]byte{1}))
}

func TestDeserializeMessage(t *testing.T) {
	txn, err := NewTransaction(key(1), testInstructions()...)
	require.NoError(t, err)
	encoded := txn.Message.Serialize()

	m, err := DeserializeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, &txn.Message, m)
	assert.Equal(t, txn.ID(), (&Transaction{Message: *m}).ID())

	_, err = DeserializeMessage(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DeserializeMessage(append(encoded, 0))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DeserializeMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	// Structurally complete but out-of-range program index.
	bad := append([]byte(nil), encoded...)
	bad[3+2+len(txn.Message.AccountKeys)*types.PubkeySize+2] = 200
	_, err = DeserializeMessage(bad)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageSizeLimit(t *testing.T) {
	ix := system.Transfer(key(2), key(4), 10)
	txn, err := NewTransaction(key(1), ix)
	require.NoError(t, err)
	assert.Equal(t, len(txn.Message.Serialize()), txn.Message.Size())

	// Pad the instruction data up to the limit.
	ix.Data = append(ix.Data, make([]byte, MaxMessageSize-txn.Message.Size())...)
	txn, err = NewTransaction(key(1), ix)
	require.NoError(t, err)
	require.Equal(t, MaxMessageSize, txn.Message.Size())
	require.NoError(t, txn.Message.Sanitize())
	_, err = DeserializeMessage(txn.Message.Serialize())
	require.NoError(t, err)

	ix.Data = append(ix.Data, 0)
	txn, err = NewTransaction(key(1), ix)
	require.NoError(t, err)
	assert.ErrorIs(t, txn.Message.Sanitize(), ErrMessageTooLarge)
	_, err = txn.Message.Decompile()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	_, err = DeserializeMessage(txn.Message.Serialize())
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
