package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DirtyMagic marks a file that is in use or was not shut down cleanly.
	DirtyMagic int32 = 0x12AD34E4
	// SafelyClosedMagic marks a cleanly closed data file. Record tables add
	// FormatVersion and the layout's ImplVersion to it.
	SafelyClosedMagic int32 = 0x1F2F3F4F

	// FormatVersion is bumped whenever the record table format changes.
	FormatVersion int32 = 1
)

// Record table header: Magic (4) + Version (4)
const (
	TableMagicOffset   = 0
	TableVersionOffset = 4
	TableHeaderSize    = 8
)

// Data table header: Magic (4) + Waste (4) + reserved (24)
const (
	DataMagicOffset = 0
	DataWasteOffset = 4
	DataHeaderSize  = 32
)

// Address (8) + Size (4) + Capacity (4) [+ RefCount (4)]
const (
	AddressOffset  = 0
	SizeOffset     = 8
	CapacityOffset = 12
	RefCountOffset = 16

	BaseRecordSize       = 16
	RefCountedRecordSize = 20
)

// FreeSize is the size sentinel of a deleted slot.
const FreeSize int32 = -1

// Layout describes the fixed-size slot format of a record table.
type Layout struct {
	Name        string
	RecordSize  int
	ImplVersion int32
}

var (
	Base       = Layout{Name: "base", RecordSize: BaseRecordSize, ImplVersion: 0}
	RefCounted = Layout{Name: "refcounted", RecordSize: RefCountedRecordSize, ImplVersion: 1}
)

func (l Layout) HasRefCount() bool {
	return l.RecordSize >= RefCountedRecordSize
}

// ClosedMagic is the header magic of a record table with this layout that
// was closed cleanly.
func (l Layout) ClosedMagic() int32 {
	return SafelyClosedMagic + FormatVersion + l.ImplVersion
}

// ZeroTemplate returns a fresh all-zero slot.
func (l Layout) ZeroTemplate() []byte {
	return make([]byte, l.RecordSize)
}

// Entry is one decoded record table slot.
type Entry struct {
	Address  int64
	Size     int32
	Capacity int32
	RefCount int32
}

func (e Entry) IsFree() bool {
	return e.Size == FreeSize
}

func (e Entry) String() string {
	return fmt.Sprintf("address=%d size=%d capacity=%d refs=%d", e.Address, e.Size, e.Capacity, e.RefCount)
}

// EncodeEntry serialises e into a slot of the layout's record size.
func (l Layout) EncodeEntry(e Entry) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, l.RecordSize))

	if err := binary.Write(buf, binary.LittleEndian, e.Address); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, e.Size); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, e.Capacity); err != nil {
		return nil, err
	}
	if l.HasRefCount() {
		if err := binary.Write(buf, binary.LittleEndian, e.RefCount); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeEntry parses one slot. RefCount stays zero for layouts without it.
func (l Layout) DecodeEntry(data []byte) (Entry, error) {
	var e Entry

	if len(data) != l.RecordSize {
		return e, fmt.Errorf("slot is %d bytes, %s layout expects %d", len(data), l.Name, l.RecordSize)
	}

	buf := bytes.NewReader(data)
	if err := binary.Read(buf, binary.LittleEndian, &e.Address); err != nil {
		return e, err
	}
	if err := binary.Read(buf, binary.LittleEndian, &e.Size); err != nil {
		return e, err
	}
	if err := binary.Read(buf, binary.LittleEndian, &e.Capacity); err != nil {
		return e, err
	}
	if l.HasRefCount() {
		if err := binary.Read(buf, binary.LittleEndian, &e.RefCount); err != nil {
			return e, err
		}
	}

	return e, nil
}

// FreeSlot is the slot written by a delete: zeroed with the free size sentinel.
func (l Layout) FreeSlot() []byte {
	slot := l.ZeroTemplate()
	size := FreeSize
	binary.LittleEndian.PutUint32(slot[SizeOffset:], uint32(size))
	return slot
}

// TableHeader is the record table file header.
type TableHeader struct {
	Magic   int32
	Version int32
}

func EncodeTableHeader(h TableHeader) []byte {
	buf := make([]byte, TableHeaderSize)
	binary.LittleEndian.PutUint32(buf[TableMagicOffset:], uint32(h.Magic))
	binary.LittleEndian.PutUint32(buf[TableVersionOffset:], uint32(h.Version))
	return buf
}

func DecodeTableHeader(data []byte) (TableHeader, error) {
	if len(data) < TableHeaderSize {
		return TableHeader{}, errors.New("record table header is truncated")
	}
	return TableHeader{
		Magic:   int32(binary.LittleEndian.Uint32(data[TableMagicOffset:])),
		Version: int32(binary.LittleEndian.Uint32(data[TableVersionOffset:])),
	}, nil
}

// DataHeader is the data table file header.
type DataHeader struct {
	Magic int32
	Waste int32
}

func EncodeDataHeader(h DataHeader) []byte {
	buf := make([]byte, DataHeaderSize)
	binary.LittleEndian.PutUint32(buf[DataMagicOffset:], uint32(h.Magic))
	binary.LittleEndian.PutUint32(buf[DataWasteOffset:], uint32(h.Waste))
	return buf
}

func DecodeDataHeader(data []byte) (DataHeader, error) {
	if len(data) < DataHeaderSize {
		return DataHeader{}, errors.New("data table header is truncated")
	}
	return DataHeader{
		Magic: int32(binary.LittleEndian.Uint32(data[DataMagicOffset:])),
		Waste: int32(binary.LittleEndian.Uint32(data[DataWasteOffset:])),
	}, nil
}
