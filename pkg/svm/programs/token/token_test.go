package token

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

func key(b byte) types.Pubkey {
	var k types.Pubkey
	for i := range k {
		k[i] = b
	}
	return k
}

type mockContext struct {
	accounts []*svm.AccountInfo
}

func (m *mockContext) ProgramID() types.Pubkey { return ProgramID }
func (m *mockContext) NumAccounts() int        { return len(m.accounts) }

func (m *mockContext) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(m.accounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return m.accounts[index], nil
}

func (m *mockContext) GetRentMinimum(dataLen uint64) uint64 {
	return sysvar.DefaultRent().MinimumBalance(dataLen)
}

func (m *mockContext) ConsumeCU(uint64) error { return nil }

func (m *mockContext) Invoke(svm.Instruction, ...svm.SignerSeeds) error {
	return svm.ErrUnsupportedProgramID
}

func (m *mockContext) Log(string) {}

func contextFor(ix svm.Instruction, infos ...*svm.AccountInfo) *mockContext {
	for i, meta := range ix.Accounts {
		infos[i].Key = meta.Pubkey
		infos[i].IsSigner = meta.IsSigner
		infos[i].IsWritable = meta.IsWritable
	}
	return &mockContext{accounts: infos}
}

func tokenAccount(mint, owner types.Pubkey, amount uint64) *svm.AccountInfo {
	state := Account{Mint: mint, Owner: owner, Amount: amount, State: AccountStateInitialized}
	return &svm.AccountInfo{Owner: ProgramID, Data: state.Marshal()}
}

func TestRoundTrip(t *testing.T) {
	delegate := key(3)
	closeAuthority := key(4)
	isNative := uint64(2)

	expected := Account{
		Mint:            key(1),
		Owner:           key(2),
		Amount:          10,
		Delegate:        &delegate,
		State:           AccountStateFrozen,
		IsNative:        &isNative,
		DelegatedAmount: 7,
		CloseAuthority:  &closeAuthority,
	}

	data := expected.Marshal()
	require.Len(t, data, AccountSize)

	var actual Account
	require.True(t, actual.Unmarshal(data))
	assert.Equal(t, expected, actual)

	amount, err := AmountOf(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), amount)
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(data[64:72]))

	assert.False(t, actual.Unmarshal(data[:AccountSize-1]))
	_, err = AmountOf(data[:AccountSize-1])
	assert.ErrorIs(t, err, svm.ErrInvalidAccountData)
}

func TestInitializeAccount(t *testing.T) {
	acc := &svm.AccountInfo{
		Owner:    ProgramID,
		Lamports: sysvar.DefaultRent().MinimumBalance(AccountSize),
		Data:     make([]byte, AccountSize),
	}
	mint, owner, rent := &svm.AccountInfo{}, &svm.AccountInfo{}, &svm.AccountInfo{}

	ix := InitializeAccount(key(5), key(1), key(2))
	require.NoError(t, NewProcessor().Process(contextFor(ix, acc, mint, owner, rent), ix.Data))

	var state Account
	require.True(t, state.Unmarshal(acc.Data))
	assert.Equal(t, key(1), state.Mint)
	assert.Equal(t, key(2), state.Owner)
	assert.Equal(t, AccountStateInitialized, state.State)

	err := NewProcessor().Process(contextFor(ix, acc, mint, owner, rent), ix.Data)
	assert.ErrorIs(t, err, ErrorAlreadyInUse)
}

func TestTransfer(t *testing.T) {
	src := tokenAccount(key(1), key(2), 100)
	dst := tokenAccount(key(1), key(3), 5)
	authority := &svm.AccountInfo{}

	ix := Transfer(key(10), key(11), key(2), 60)
	require.NoError(t, NewProcessor().Process(contextFor(ix, src, dst, authority), ix.Data))

	srcAmount, _ := AmountOf(src.Data)
	dstAmount, _ := AmountOf(dst.Data)
	assert.Equal(t, uint64(40), srcAmount)
	assert.Equal(t, uint64(65), dstAmount)
}

func TestTransfer_Errors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		src    *svm.AccountInfo
		dst    *svm.AccountInfo
		ix     svm.Instruction
		mutate func(authority *svm.AccountInfo)
		err    error
	}{
		{
			name: "insufficient funds",
			src:  tokenAccount(key(1), key(2), 10),
			dst:  tokenAccount(key(1), key(3), 0),
			ix:   Transfer(key(10), key(11), key(2), 11),
			err:  ErrorInsufficientFunds,
		},
		{
			name: "mint mismatch",
			src:  tokenAccount(key(1), key(2), 10),
			dst:  tokenAccount(key(9), key(3), 0),
			ix:   Transfer(key(10), key(11), key(2), 1),
			err:  ErrorMintMismatch,
		},
		{
			name: "wrong owner",
			src:  tokenAccount(key(1), key(2), 10),
			dst:  tokenAccount(key(1), key(3), 0),
			ix:   Transfer(key(10), key(11), key(3), 1),
			err:  ErrorOwnerMismatch,
		},
		{
			name:   "owner did not sign",
			src:    tokenAccount(key(1), key(2), 10),
			dst:    tokenAccount(key(1), key(3), 0),
			ix:     Transfer(key(10), key(11), key(2), 1),
			mutate: func(authority *svm.AccountInfo) { authority.IsSigner = false },
			err:    svm.ErrMissingRequiredSignature,
		},
		{
			name: "uninitialized",
			src:  tokenAccount(key(1), key(2), 10),
			dst:  &svm.AccountInfo{Owner: ProgramID, Data: make([]byte, AccountSize)},
			ix:   Transfer(key(10), key(11), key(2), 1),
			err:  ErrorUninitializedState,
		},
		{
			name: "not a token account",
			src:  tokenAccount(key(1), key(2), 10),
			dst:  &svm.AccountInfo{Owner: key(7), Data: make([]byte, AccountSize)},
			ix:   Transfer(key(10), key(11), key(2), 1),
			err:  svm.ErrIncorrectProgramID,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			authority := &svm.AccountInfo{}
			ctx := contextFor(tc.ix, tc.src, tc.dst, authority)
			if tc.mutate != nil {
				tc.mutate(authority)
			}
			assert.ErrorIs(t, NewProcessor().Process(ctx, tc.ix.Data), tc.err)
		})
	}
}

func TestTransfer_Frozen(t *testing.T) {
	src := tokenAccount(key(1), key(2), 10)
	var state Account
	require.True(t, state.Unmarshal(src.Data))
	state.State = AccountStateFrozen
	src.Data = state.Marshal()

	ix := Transfer(key(10), key(11), key(2), 1)
	ctx := contextFor(ix, src, tokenAccount(key(1), key(3), 0), &svm.AccountInfo{})
	assert.ErrorIs(t, NewProcessor().Process(ctx, ix.Data), ErrorAccountFrozen)
}
