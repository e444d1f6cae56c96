package sysvar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

func TestRentMinimumBalance(t *testing.T) {
	rent := DefaultRent()
	assert.Equal(t, uint64(890_880), rent.MinimumBalance(0))
	assert.Equal(t, uint64(2_039_280), rent.MinimumBalance(165))
	assert.Equal(t, uint64(1_447_680), rent.MinimumBalance(80))

	assert.True(t, rent.IsExempt(1_447_680, 80))
	assert.False(t, rent.IsExempt(1_447_679, 80))
}

func TestInstructions(t *testing.T) {
	program := types.TokenProgramAddr
	var a, b types.Pubkey
	a[0], b[0] = 1, 2

	ixs := []svm.Instruction{
		{
			ProgramID: program,
			Accounts: []svm.AccountMeta{
				{Pubkey: a, IsSigner: true, IsWritable: true},
				{Pubkey: b},
			},
			Data: []byte{3, 1, 2, 3},
		},
		{
			ProgramID: types.SystemProgramAddr,
			Data:      []byte{},
		},
	}

	data, err := SerializeInstructions(ixs)
	require.NoError(t, err)
	view, err := NewInstructions(data)
	require.NoError(t, err)

	assert.Equal(t, 2, view.NumInstructions())
	assert.Equal(t, 0, view.CurrentIndex())

	for i, want := range ixs {
		got, err := view.LoadInstructionAt(i)
		require.NoError(t, err)
		assert.Equal(t, want.ProgramID, got.ProgramID)
		assert.Equal(t, want.Data, got.Data)
		assert.Len(t, got.Accounts, len(want.Accounts))
	}

	first, _ := view.LoadInstructionAt(0)
	assert.Equal(t, ixs[0].Accounts, first.Accounts)

	require.NoError(t, StoreCurrentIndex(data, 1))
	assert.Equal(t, 1, view.CurrentIndex())

	_, err = view.LoadInstructionAt(2)
	assert.ErrorIs(t, err, ErrInstructionIndexOutOfRange)
	_, err = view.LoadInstructionAt(-1)
	assert.ErrorIs(t, err, ErrInstructionIndexOutOfRange)
}

func TestInstructions_Malformed(t *testing.T) {
	_, err := NewInstructions([]byte{1})
	assert.ErrorIs(t, err, ErrMalformedInstructions)

	// Claims three instructions but carries no offsets.
	_, err = NewInstructions([]byte{3, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedInstructions)

	data, err := SerializeInstructions([]svm.Instruction{{Data: []byte{1, 2, 3}}})
	require.NoError(t, err)
	truncated := append(data[:len(data)-4:len(data)-4], 0, 0)
	view, err := NewInstructions(truncated)
	require.NoError(t, err)
	_, err = view.LoadInstructionAt(0)
	assert.ErrorIs(t, err, ErrMalformedInstructions)

	assert.ErrorIs(t, StoreCurrentIndex([]byte{0}, 0), ErrMalformedInstructions)
}

func TestInstructions_OffsetLimit(t *testing.T) {
	var borrower types.Pubkey
	borrower[0] = 9
	last := svm.Instruction{
		ProgramID: types.SystemProgramAddr,
		Accounts:  []svm.AccountMeta{{Pubkey: borrower, IsSigner: true, IsWritable: true}},
		Data:      []byte{2, 0, 0, 0},
	}
	wide := func(metas int) svm.Instruction {
		return svm.Instruction{
			ProgramID: types.SystemProgramAddr,
			Accounts:  make([]svm.AccountMeta, metas),
		}
	}

	// The second offset is 6 + 2 + 33*1900 + 32 + 2 = 62742.
	data, err := SerializeInstructions([]svm.Instruction{wide(1900), last})
	require.NoError(t, err)
	view, err := NewInstructions(data)
	require.NoError(t, err)
	got, err := view.LoadInstructionAt(1)
	require.NoError(t, err)
	assert.Equal(t, last.ProgramID, got.ProgramID)
	assert.Equal(t, last.Accounts, got.Accounts)
	assert.Equal(t, last.Data, got.Data)

	// A second offset of 69342 would wrap to 3806.
	_, err = SerializeInstructions([]svm.Instruction{wide(2100), last})
	assert.ErrorIs(t, err, ErrInstructionsTooLarge)

	_, err = SerializeInstructions([]svm.Instruction{{Data: make([]byte, 1<<16)}})
	assert.ErrorIs(t, err, ErrInstructionsTooLarge)

	_, err = SerializeInstructions([]svm.Instruction{wide(1 << 16)})
	assert.ErrorIs(t, err, ErrInstructionsTooLarge)
}
