package record

import (
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeEntry(t *testing.T) {
	for _, layout := range []Layout{Base, RefCounted} {
		t.Run(layout.Name, func(t *testing.T) {
			original := Entry{Address: 1 << 33, Size: 12, Capacity: 64, RefCount: 3}

			encoded, err := layout.EncodeEntry(original)
			if err != nil {
				t.Fatalf("unexpected encode error: %v", err)
			}
			if len(encoded) != layout.RecordSize {
				t.Fatalf("encoded slot is %d bytes, want %d", len(encoded), layout.RecordSize)
			}

			decoded, err := layout.DecodeEntry(encoded)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}

			want := original
			if !layout.HasRefCount() {
				want.RefCount = 0
			}
			if decoded != want {
				t.Errorf("entry mismatch: got %v, want %v", decoded, want)
			}
		})
	}
}

func TestDecodeEntryRejectsWrongSlotSize(t *testing.T) {
	for i := 0; i < RefCountedRecordSize; i++ {
		if i == BaseRecordSize {
			continue
		}
		if _, err := Base.DecodeEntry(make([]byte, i)); err == nil {
			t.Fatalf("expected error when decoding slot of length %d, got nil", i)
		}
	}
}

func TestEncodedSlotLayout(t *testing.T) {
	e := Entry{Address: 1, Size: 2, Capacity: 3, RefCount: 4}

	encoded, err := RefCounted.EncodeEntry(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Expected bytes structure:
	// int64 Address
	// int32 Size
	// int32 Capacity
	// int32 RefCount
	expectUint32 := func(name string, offset int, want uint32) {
		got := binary.LittleEndian.Uint32(encoded[offset : offset+4])
		if got != want {
			t.Fatalf("%s mismatch: got %v want %v", name, got, want)
		}
	}

	if got := binary.LittleEndian.Uint64(encoded[AddressOffset:]); got != 1 {
		t.Fatalf("Address mismatch: got %v want 1", got)
	}
	expectUint32("Size", SizeOffset, 2)
	expectUint32("Capacity", CapacityOffset, 3)
	expectUint32("RefCount", RefCountOffset, 4)
}

func TestFreeSlot(t *testing.T) {
	for _, layout := range []Layout{Base, RefCounted} {
		t.Run(layout.Name, func(t *testing.T) {
			slot := layout.FreeSlot()
			if len(slot) != layout.RecordSize {
				t.Fatalf("free slot is %d bytes, expected %d", len(slot), layout.RecordSize)
			}
			if got := binary.LittleEndian.Uint32(slot[SizeOffset:]); got != 0xFFFFFFFF {
				t.Fatalf("size field is %#x, expected all ones", got)
			}

			e, err := layout.DecodeEntry(slot)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !e.IsFree() || e.Size != FreeSize {
				t.Fatalf("free slot decoded as %v", e)
			}
			if e.Address != 0 || e.Capacity != 0 || e.RefCount != 0 {
				t.Fatalf("free slot is not zeroed: %v", e)
			}
		})
	}
}

func TestClosedMagic(t *testing.T) {
	if Base.ClosedMagic() == RefCounted.ClosedMagic() {
		t.Fatal("layouts must not share a closed magic")
	}
	if Base.ClosedMagic() == DirtyMagic || RefCounted.ClosedMagic() == DirtyMagic {
		t.Fatal("closed magic collides with the dirty magic")
	}
	if got, want := RefCounted.ClosedMagic(), SafelyClosedMagic+FormatVersion+1; got != want {
		t.Fatalf("closed magic = %x, want %x", got, want)
	}
}

func TestHeaders(t *testing.T) {
	t.Run("table header round trip", func(t *testing.T) {
		h := TableHeader{Magic: DirtyMagic, Version: 42}
		got, err := DecodeTableHeader(EncodeTableHeader(h))
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Fatalf("got %+v, want %+v", got, h)
		}
	})

	t.Run("data header is 32 bytes with waste at offset 4", func(t *testing.T) {
		encoded := EncodeDataHeader(DataHeader{Magic: SafelyClosedMagic, Waste: 77})
		if len(encoded) != DataHeaderSize {
			t.Fatalf("data header is %d bytes", len(encoded))
		}
		if got := binary.LittleEndian.Uint32(encoded[DataWasteOffset:]); got != 77 {
			t.Fatalf("waste = %d, want 77", got)
		}
		h, err := DecodeDataHeader(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if h.Magic != SafelyClosedMagic {
			t.Fatalf("magic = %x", h.Magic)
		}
	})

	t.Run("truncated headers fail", func(t *testing.T) {
		if _, err := DecodeTableHeader(make([]byte, TableHeaderSize-1)); err == nil {
			t.Fatal("expected error")
		}
		if _, err := DecodeDataHeader(make([]byte, DataHeaderSize-1)); err == nil {
			t.Fatal("expected error")
		}
	})
}
