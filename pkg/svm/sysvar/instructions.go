package sysvar

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

// Instructions sysvar layout:
//
//	u16 num_instructions
//	u16 offsets[num_instructions]           // from the start of the data
//	per instruction:
//	    u16 num_accounts
//	    (u8 flags, [32]byte pubkey) * num_accounts
//	    [32]byte program_id
//	    u16 data_len
//	    data
//	u16 current_instruction_index           // last two bytes
//
// All integers are little-endian.
const (
	flagIsSigner   = 1 << 0
	flagIsWritable = 1 << 1

	accountMetaSize = 1 + types.PubkeySize
)

var (
	// ErrMalformedInstructions is returned when the sysvar bytes cannot be decoded.
	ErrMalformedInstructions = errors.New("malformed instructions sysvar")

	// ErrInstructionIndexOutOfRange is returned when loading past the last instruction.
	ErrInstructionIndexOutOfRange = errors.New("instruction index out of range")

	// ErrInstructionsTooLarge is returned when a count, length or offset
	// does not fit its u16 field.
	ErrInstructionsTooLarge = errors.New("instructions too large for sysvar")
)

// SerializeInstructions encodes the top-level instructions of a transaction
// into the Instructions sysvar format, with the current index set to zero.
func SerializeInstructions(ixs []svm.Instruction) ([]byte, error) {
	if len(ixs) > math.MaxUint16 {
		return nil, ErrInstructionsTooLarge
	}

	size := 2 + 2*len(ixs)
	for _, ix := range ixs {
		// size is the offset of ix.
		if size > math.MaxUint16 || len(ix.Accounts) > math.MaxUint16 || len(ix.Data) > math.MaxUint16 {
			return nil, ErrInstructionsTooLarge
		}
		size += 2 + accountMetaSize*len(ix.Accounts) + types.PubkeySize + 2 + len(ix.Data)
	}
	size += 2

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(ixs)))

	offset := 2 + 2*len(ixs)
	for i, ix := range ixs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], uint16(offset))

		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(ix.Accounts)))
		offset += 2

		for _, meta := range ix.Accounts {
			var flags byte
			if meta.IsSigner {
				flags |= flagIsSigner
			}
			if meta.IsWritable {
				flags |= flagIsWritable
			}
			buf[offset] = flags
			copy(buf[offset+1:], meta.Pubkey[:])
			offset += accountMetaSize
		}

		copy(buf[offset:], ix.ProgramID[:])
		offset += types.PubkeySize

		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(ix.Data)))
		offset += 2
		copy(buf[offset:], ix.Data)
		offset += len(ix.Data)
	}

	return buf, nil
}

// StoreCurrentIndex overwrites the current instruction index in serialized
// sysvar data.
func StoreCurrentIndex(data []byte, index uint16) error {
	if len(data) < 4 {
		return ErrMalformedInstructions
	}
	binary.LittleEndian.PutUint16(data[len(data)-2:], index)
	return nil
}

// Instructions is a read-only view over Instructions sysvar data.
type Instructions struct {
	data []byte
	num  int
}

// NewInstructions validates the header of the sysvar data and returns a view.
func NewInstructions(data []byte) (*Instructions, error) {
	if len(data) < 4 {
		return nil, ErrMalformedInstructions
	}

	num := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+2*num+2 {
		return nil, ErrMalformedInstructions
	}

	return &Instructions{data: data, num: num}, nil
}

// NumInstructions returns the number of top-level instructions in the transaction.
func (s *Instructions) NumInstructions() int {
	return s.num
}

// CurrentIndex returns the index of the executing top-level instruction.
func (s *Instructions) CurrentIndex() int {
	return int(binary.LittleEndian.Uint16(s.data[len(s.data)-2:]))
}

// LoadInstructionAt decodes the instruction at index.
func (s *Instructions) LoadInstructionAt(index int) (svm.Instruction, error) {
	var ix svm.Instruction

	if index < 0 || index >= s.num {
		return ix, ErrInstructionIndexOutOfRange
	}

	// The trailing current index is not part of any instruction.
	body := s.data[:len(s.data)-2]

	offset := int(binary.LittleEndian.Uint16(body[2+2*index:]))
	if offset+2 > len(body) {
		return ix, ErrMalformedInstructions
	}

	numAccounts := int(binary.LittleEndian.Uint16(body[offset:]))
	offset += 2

	if offset+numAccounts*accountMetaSize+types.PubkeySize+2 > len(body) {
		return ix, ErrMalformedInstructions
	}

	ix.Accounts = make([]svm.AccountMeta, numAccounts)
	for i := range ix.Accounts {
		flags := body[offset]
		copy(ix.Accounts[i].Pubkey[:], body[offset+1:offset+accountMetaSize])
		ix.Accounts[i].IsSigner = flags&flagIsSigner != 0
		ix.Accounts[i].IsWritable = flags&flagIsWritable != 0
		offset += accountMetaSize
	}

	copy(ix.ProgramID[:], body[offset:offset+types.PubkeySize])
	offset += types.PubkeySize

	dataLen := int(binary.LittleEndian.Uint16(body[offset:]))
	offset += 2
	if offset+dataLen > len(body) {
		return ix, ErrMalformedInstructions
	}

	ix.Data = make([]byte, dataLen)
	copy(ix.Data, body[offset:offset+dataLen])

	return ix, nil
}
