package accounts

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// Snapshot file magic bytes for format validation.
var snapshotMagic = []byte{'X', '1', 'F', 'L'}

const snapshotHeaderSize = 4 + 4 + 8 + 8 + 32

// SnapshotHeader contains metadata about a snapshot.
type SnapshotHeader struct {
	Version       uint32
	Slot          uint64
	AccountsCount uint64
	AccountsHash  types.Hash
}

// Snapshot format:
//   - Magic (4 bytes): "X1FL"
//   - Version (4 bytes, little-endian)
//   - Slot (8 bytes, little-endian)
//   - AccountsCount (8 bytes, little-endian)
//   - AccountsHash (32 bytes)
//   - zstd stream, for each account:
//   - Pubkey (32 bytes)
//   - AccountSize (4 bytes, little-endian)
//   - AccountData (serialized account)
func (hdr *SnapshotHeader) marshal() []byte {
	buf := make([]byte, snapshotHeaderSize)
	copy(buf, snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:], hdr.Version)
	binary.LittleEndian.PutUint64(buf[8:], hdr.Slot)
	binary.LittleEndian.PutUint64(buf[16:], hdr.AccountsCount)
	copy(buf[24:], hdr.AccountsHash[:])
	return buf
}

func (hdr *SnapshotHeader) unmarshal(buf []byte) error {
	if string(buf[:4]) != string(snapshotMagic) {
		return errors.Errorf("invalid snapshot magic: %q", buf[:4])
	}
	hdr.Version = binary.LittleEndian.Uint32(buf[4:])
	if hdr.Version != snapshotVersion {
		return errors.Errorf("unsupported snapshot version: %d", hdr.Version)
	}
	hdr.Slot = binary.LittleEndian.Uint64(buf[8:])
	hdr.AccountsCount = binary.LittleEndian.Uint64(buf[16:])
	copy(hdr.AccountsHash[:], buf[24:])
	return nil
}

// WriteSnapshot writes every account of db to path and returns the header
// describing it.
func WriteSnapshot(db DB, path string) (*SnapshotHeader, error) {
	accountsHash, err := NewHashComputer(db).ComputeAccountsHash()
	if err != nil {
		return nil, errors.Wrap(err, "compute accounts hash")
	}
	count, err := db.AccountsCount()
	if err != nil {
		return nil, err
	}

	hdr := &SnapshotHeader{
		Version:       snapshotVersion,
		Slot:          db.GetSlot(),
		AccountsCount: count,
		AccountsHash:  accountsHash,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot directory")
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot file")
	}

	if err := writeSnapshot(file, db, hdr); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, errors.Wrap(err, "close snapshot file")
	}
	return hdr, nil
}

func writeSnapshot(w io.Writer, db DB, hdr *SnapshotHeader) error {
	if _, err := w.Write(hdr.marshal()); err != nil {
		return errors.Wrap(err, "write header")
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "init zstd writer")
	}
	bw := bufio.NewWriter(enc)

	var written uint64
	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		data := account.Serialize()

		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(data)))

		if _, err := bw.Write(pubkey[:]); err != nil {
			return err
		}
		if _, err := bw.Write(size[:]); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		enc.Close()
		return errors.Wrap(err, "write accounts")
	}
	if written != hdr.AccountsCount {
		enc.Close()
		return errors.Errorf("accounts changed while writing snapshot: %d written, %d counted", written, hdr.AccountsCount)
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		return errors.Wrap(err, "flush accounts")
	}
	return errors.Wrap(enc.Close(), "close zstd writer")
}

// ReadSnapshotHeader returns the header of a snapshot file.
func ReadSnapshotHeader(path string) (*SnapshotHeader, error) {
	file, err := openSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hdr SnapshotHeader
	if err := readHeader(file, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// LoadSnapshot loads every account of the snapshot at path into an empty db,
// sets the slot and verifies the accounts hash of the result.
func LoadSnapshot(db DB, path string) (*SnapshotHeader, error) {
	existing, err := db.AccountsCount()
	if err != nil {
		return nil, err
	}
	if existing != 0 {
		return nil, errors.Errorf("load snapshot: database holds %d accounts", existing)
	}

	file, err := openSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hdr SnapshotHeader
	if err := readHeader(file, &hdr); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, errors.Wrap(err, "init zstd reader")
	}
	defer dec.Close()

	if err := loadAccounts(bufio.NewReader(dec), db, hdr.AccountsCount); err != nil {
		return nil, err
	}

	if err := db.SetSlot(hdr.Slot); err != nil {
		return nil, errors.Wrap(err, "set slot")
	}

	computed, err := NewHashComputer(db).ComputeAccountsHash()
	if err != nil {
		return nil, errors.Wrap(err, "compute accounts hash")
	}
	if computed != hdr.AccountsHash {
		return nil, errors.Errorf("accounts hash mismatch: expected %s, got %s", hdr.AccountsHash, computed)
	}

	return &hdr, nil
}

func openSnapshot(path string) (*os.File, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	return file, nil
}

func readHeader(r io.Reader, hdr *SnapshotHeader) error {
	buf := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "read header")
	}
	return hdr.unmarshal(buf)
}

const maxBatchSize = 1000

func loadAccounts(r io.Reader, db DB, count uint64) error {
	// Max account data plus serialization overhead.
	const maxAccountSerializedSize = MaxAccountDataSize + 100

	batch := make([]AccountEntry, 0, maxBatchSize)
	flush := func() error {
		if err := db.SetAccounts(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for i := uint64(0); i < count; i++ {
		var pubkey types.Pubkey
		if _, err := io.ReadFull(r, pubkey[:]); err != nil {
			return errors.Wrap(err, "read pubkey")
		}

		var sizeBuf [4]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return errors.Wrap(err, "read size")
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		if size > maxAccountSerializedSize {
			return errors.Errorf("account size %d exceeds maximum %d", size, maxAccountSerializedSize)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return errors.Wrap(err, "read account data")
		}
		account, err := DeserializeAccount(data)
		if err != nil {
			return errors.Wrapf(err, "account %s", pubkey)
		}

		batch = append(batch, AccountEntry{Pubkey: pubkey, Account: account})
		if len(batch) == maxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}
