package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blacktop/go-macho/types"
)

const (
	imgTextAddr     = 0x180000000
	imgTextSect     = 0x180000400
	imgDataAddr     = 0x1C0000000
	imgLinkeditAddr = 0x1E0000000
	imgSize         = 0x2100
)

// newTestImage builds the in-memory form of a small cache dylib: three
// segments, an id, a uuid, a symtab and an exports trie.
func newTestImage() *File {
	f := &File{
		FileHeader: types.FileHeader{
			Magic: types.Magic64,
			CPU:   types.CPUArm64,
			Type:  types.MH_DYLIB,
			Flags: types.NoUndefs | types.DyldLink | types.TwoLevel | types.DylibInCache,
		},
		ByteOrder: binary.LittleEndian,
	}
	f.Loads = append(f.Loads,
		&Segment{
			Segment64: types.Segment64{
				LoadCmd: types.LC_SEGMENT_64,
				Addr:    imgTextAddr, Memsz: 0x1000,
				Offset: 0, Filesz: 0x1000,
				Maxprot: 5, Prot: 5,
			},
			SegName: "__TEXT",
			Sections: []*Section{{
				Section64: types.Section64{Addr: imgTextSect, Size: 0x10, Offset: 0x400, Align: 2, Flags: 0x80000400},
				SegName:   "__TEXT", SectName: "__text",
			}},
		},
		&Segment{
			Segment64: types.Segment64{
				LoadCmd: types.LC_SEGMENT_64,
				Addr:    imgDataAddr, Memsz: 0x1000,
				Offset: 0x1000, Filesz: 0x1000,
				Maxprot: 3, Prot: 3,
			},
			SegName: "__DATA",
			Sections: []*Section{{
				Section64: types.Section64{Addr: imgDataAddr, Size: 0x10, Offset: 0x1000, Align: 3, Flags: 0x6},
				SegName:   "__DATA", SectName: "__got",
			}},
		},
		&Segment{
			Segment64: types.Segment64{
				LoadCmd: types.LC_SEGMENT_64,
				Addr:    imgLinkeditAddr, Memsz: 0x1000,
				Offset: 0x2000, Filesz: 0x100,
				Maxprot: 1, Prot: 1,
			},
			SegName: "__LINKEDIT",
		},
		&Dylib{
			DylibCmd: types.DylibCmd{LoadCmd: types.LC_ID_DYLIB, Timestamp: 2, CurrentVersion: 0x10000, CompatVersion: 0x10000},
			Name:     "/usr/lib/libtest.dylib",
		},
		&UUID{UUIDCmd: types.UUIDCmd{LoadCmd: types.LC_UUID, UUID: types.UUID{0xAA, 0x55}}},
		&Symtab{SymtabCmd: types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Symoff: 0x2000, Nsyms: 1, Stroff: 0x2020, Strsize: 0x10}},
		&LinkEditData{LinkEditDataCmd: types.LinkEditDataCmd{LoadCmd: types.LC_DYLD_EXPORTS_TRIE, Offset: 0x2030, Size: 8}},
	)
	return f
}

// buildTestImage serializes the test dylib the way it sits inside a cache:
// header and load commands up front, section contents at their file offsets.
func buildTestImage(t *testing.T) []byte {
	t.Helper()
	hdr, err := newTestImage().SerializeLoadCommands()
	if err != nil {
		t.Fatalf("SerializeLoadCommands() error = %v", err)
	}
	out := make([]byte, imgSize)
	copy(out, hdr)
	binary.LittleEndian.PutUint32(out[0x400:], 0xD65F03C0) // ret
	binary.LittleEndian.PutUint64(out[0x1000:], uint64(imgTextSect))
	return out
}

func parseTestImage(t *testing.T, data []byte, offset int64) *File {
	t.Helper()
	f, err := NewFile(bytes.NewReader(data), offset)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	return f
}

func TestNewFile(t *testing.T) {
	data := buildTestImage(t)

	// images sit at arbitrary offsets inside a cache
	cache := make([]byte, len(data)+0x800)
	copy(cache[0x800:], data)

	f := parseTestImage(t, cache, 0x800)

	if f.NCommands != 7 || len(f.Loads) != 7 {
		t.Errorf("NCommands = %d, len(Loads) = %d, want 7", f.NCommands, len(f.Loads))
	}
	if got := len(f.Segments()); got != 3 {
		t.Errorf("len(Segments()) = %d, want 3", got)
	}
	if f.ID == nil || f.ID.Name != "/usr/lib/libtest.dylib" {
		t.Errorf("ID = %+v, want /usr/lib/libtest.dylib", f.ID)
	}
	if f.Symtab == nil || f.Symtab.Symoff != 0x2000 || f.Symtab.Nsyms != 1 {
		t.Errorf("Symtab = %+v, want Symoff 0x2000 Nsyms 1", f.Symtab)
	}
	if f.ExportsTrie == nil || f.ExportsTrie.Offset != 0x2030 {
		t.Errorf("ExportsTrie = %+v, want Offset 0x2030", f.ExportsTrie)
	}
	if f.UUID == nil {
		t.Error("UUID command not parsed")
	}
	text, err := f.Segment("__TEXT")
	if err != nil {
		t.Fatalf("Segment(__TEXT) error = %v", err)
	}
	if len(text.Sections) != 1 || text.Sections[0].SectName != "__text" {
		t.Errorf("text sections = %v, want a single __text", text.Sections)
	}
}

func TestNewFile_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(data []byte)
	}{
		{
			name:   "not 64-bit",
			mutate: func(data []byte) { binary.LittleEndian.PutUint32(data, 0xfeedface) },
		},
		{
			name: "load command overruns area",
			mutate: func(data []byte) {
				binary.LittleEndian.PutUint32(data[types.FileHeaderSize64+4:], 0xffff)
			},
		},
		{
			name: "zero sized load command",
			mutate: func(data []byte) {
				binary.LittleEndian.PutUint32(data[types.FileHeaderSize64+4:], 0)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildTestImage(t)
			tt.mutate(data)
			if _, err := NewFile(bytes.NewReader(data), 0); !errors.Is(err, ErrMalformedMachO) {
				t.Errorf("NewFile() error = %v, want ErrMalformedMachO", err)
			}
		})
	}
}

func TestFile_Lookups(t *testing.T) {
	f := parseTestImage(t, buildTestImage(t), 0)

	if _, err := f.Segment("__OBJC"); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Segment(__OBJC) error = %v, want ErrSegmentNotFound", err)
	}
	if _, err := f.Section("__DATA", "__bss"); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("Section(__DATA, __bss) error = %v, want ErrSectionNotFound", err)
	}
	sec, err := f.Section("__DATA", "__got")
	if err != nil {
		t.Fatalf("Section(__DATA, __got) error = %v", err)
	}
	if sec.Addr != imgDataAddr {
		t.Errorf("got section addr = %#x, want %#x", sec.Addr, uint64(imgDataAddr))
	}

	seg, err := f.SegmentForVMAddr(imgDataAddr + 8)
	if err != nil {
		t.Fatalf("SegmentForVMAddr() error = %v", err)
	}
	if seg.SegName != "__DATA" {
		t.Errorf("SegmentForVMAddr() = %s, want __DATA", seg.SegName)
	}
	if _, err := f.SegmentForVMAddr(0x200000000); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("SegmentForVMAddr(unmapped) error = %v, want ErrSegmentNotFound", err)
	}

	got, err := f.SectionForVMAddr(imgTextSect + 4)
	if err != nil {
		t.Fatalf("SectionForVMAddr() error = %v", err)
	}
	if got.SectName != "__text" {
		t.Errorf("SectionForVMAddr() = %s, want __text", got.SectName)
	}
	if _, err := f.SectionForVMAddr(imgTextAddr); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("SectionForVMAddr(header) error = %v, want ErrSectionNotFound", err)
	}
}

func TestFile_VMAddrAccess(t *testing.T) {
	data := buildTestImage(t)
	f := parseTestImage(t, data, 0)
	if err := f.LoadSegmentData(bytes.NewReader(data)); err != nil {
		t.Fatalf("LoadSegmentData() error = %v", err)
	}

	v, err := f.Uint64AtVMAddr(imgDataAddr)
	if err != nil {
		t.Fatalf("Uint64AtVMAddr() error = %v", err)
	}
	if v != imgTextSect {
		t.Errorf("Uint64AtVMAddr() = %#x, want %#x", v, uint64(imgTextSect))
	}

	insn, err := f.Uint32AtVMAddr(imgTextSect)
	if err != nil {
		t.Fatalf("Uint32AtVMAddr() error = %v", err)
	}
	if insn != 0xD65F03C0 {
		t.Errorf("Uint32AtVMAddr() = %#x, want ret", insn)
	}

	if err := f.PutUint64AtVMAddr(0xdeadbeef, imgDataAddr+8); err != nil {
		t.Fatalf("PutUint64AtVMAddr() error = %v", err)
	}
	v, err = f.Uint64AtVMAddr(imgDataAddr + 8)
	if err != nil {
		t.Fatalf("Uint64AtVMAddr() error = %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("Uint64AtVMAddr() after store = %#x, want 0xdeadbeef", v)
	}

	// linkedit contents are never materialized
	if _, err := f.Uint64AtVMAddr(imgLinkeditAddr); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("Uint64AtVMAddr(linkedit) error = %v, want ErrAddressOutOfRange", err)
	}
	// reads may not straddle the end of a segment's file data
	if _, err := f.Uint64AtVMAddr(imgDataAddr + 0xFFC); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("Uint64AtVMAddr(straddle) error = %v, want ErrAddressOutOfRange", err)
	}
	if err := f.PutUint32AtVMAddr(1, 0x200000000); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("PutUint32AtVMAddr(unmapped) error = %v, want ErrAddressOutOfRange", err)
	}
}

func TestFile_InsertSegment(t *testing.T) {
	f := parseTestImage(t, buildTestImage(t), 0)

	extra := &Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    0x1D0000000, Memsz: 0x1000,
			Offset: 0x1800, Filesz: 0x800,
			Maxprot: 1, Prot: 1,
		},
		SegName: "__EXTRA_OBJC",
	}
	if err := f.InsertSegment(extra); err != nil {
		t.Fatalf("InsertSegment() error = %v", err)
	}

	var names []string
	for _, seg := range f.Segments() {
		names = append(names, seg.SegName)
	}
	if got, want := strings.Join(names, " "), "__TEXT __DATA __EXTRA_OBJC __LINKEDIT"; got != want {
		t.Errorf("segment order = %q, want %q", got, want)
	}

	if _, err := f.SerializeLoadCommands(); err != nil {
		t.Fatalf("SerializeLoadCommands() error = %v", err)
	}
	if f.NCommands != 8 {
		t.Errorf("NCommands = %d, want 8", f.NCommands)
	}

	big := &Segment{
		Segment64: types.Segment64{LoadCmd: types.LC_SEGMENT_64, Addr: 0x1D8000000, Memsz: 0x1000},
		SegName:   "__TOO_BIG",
	}
	for i := 0; i < 6; i++ {
		big.Sections = append(big.Sections, &Section{
			Section64: types.Section64{Addr: 0x1D8000000 + uint64(i)*0x100, Size: 0x100},
			SegName:   "__TOO_BIG", SectName: fmt.Sprintf("__sect%d", i),
		})
	}
	if err := f.InsertSegment(big); !errors.Is(err, ErrNoLoadCommandSpace) {
		t.Errorf("InsertSegment(big) error = %v, want ErrNoLoadCommandSpace", err)
	}
}

func TestFile_RemoveLoad(t *testing.T) {
	f := parseTestImage(t, buildTestImage(t), 0)

	f.RemoveLoad(f.ExportsTrie)

	if f.ExportsTrie != nil {
		t.Error("ExportsTrie survived removal")
	}
	if got := len(f.Loads); got != 6 {
		t.Errorf("len(Loads) = %d, want 6", got)
	}
	for _, l := range f.Loads {
		if l.Command() == types.LC_DYLD_EXPORTS_TRIE {
			t.Error("exports trie command still in Loads")
		}
	}
}

func TestFile_SerializeLoadCommands(t *testing.T) {
	f := newTestImage()

	hdr, err := f.SerializeLoadCommands()
	if err != nil {
		t.Fatalf("SerializeLoadCommands() error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[16:]); got != 7 {
		t.Errorf("serialized ncmds = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(hdr[20:]); got != f.SizeCommands {
		t.Errorf("serialized sizeofcmds = %d, want %d", got, f.SizeCommands)
	}
	// the 64-bit header carries a reserved dword, commands follow it
	if got := binary.LittleEndian.Uint32(hdr[28:]); got != 0 {
		t.Errorf("reserved dword = %#x, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(hdr[32:]); got != uint32(types.LC_SEGMENT_64) {
		t.Errorf("first command = %#x, want LC_SEGMENT_64", got)
	}
	if got := len(hdr); got != types.FileHeaderSize64+int(f.SizeCommands) {
		t.Errorf("len(hdr) = %d, want %d", got, types.FileHeaderSize64+int(f.SizeCommands))
	}
}

func TestFile_Bytes(t *testing.T) {
	data := buildTestImage(t)
	f := parseTestImage(t, data, 0)
	if err := f.LoadSegmentData(bytes.NewReader(data)); err != nil {
		t.Fatalf("LoadSegmentData() error = %v", err)
	}

	// linkedit was skipped on load, Bytes refuses to guess its contents
	if _, err := f.Bytes(); err == nil {
		t.Fatal("Bytes() succeeded with unmaterialized linkedit")
	}

	linkedit, err := f.Segment("__LINKEDIT")
	if err != nil {
		t.Fatalf("Segment(__LINKEDIT) error = %v", err)
	}
	linkedit.Data = bytes.Repeat([]byte{0xEE}, int(linkedit.Filesz))

	f.FileHeader.Flags &^= types.DylibInCache
	if err := f.PutUint64AtVMAddr(0x4141414141414141, imgDataAddr); err != nil {
		t.Fatalf("PutUint64AtVMAddr() error = %v", err)
	}

	out, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if len(out) != imgSize {
		t.Errorf("len(Bytes()) = %#x, want %#x", len(out), imgSize)
	}

	mo := parseTestImage(t, out, 0)
	if mo.Flags&types.DylibInCache != 0 {
		t.Error("in-cache flag survived reserialization")
	}
	if got := binary.LittleEndian.Uint64(out[0x1000:]); got != 0x4141414141414141 {
		t.Errorf("got slot = %#x, want %#x", got, uint64(0x4141414141414141))
	}
	if got := binary.LittleEndian.Uint32(out[0x400:]); got != 0xD65F03C0 {
		t.Errorf("text contents = %#x, want ret", got)
	}
	if out[0x2000] != 0xEE {
		t.Errorf("linkedit contents = %#x, want 0xEE", out[0x2000])
	}
}

func TestFile_Bytes_BlanksOldCommands(t *testing.T) {
	data := buildTestImage(t)
	f := parseTestImage(t, data, 0)
	if err := f.LoadSegmentData(bytes.NewReader(data)); err != nil {
		t.Fatalf("LoadSegmentData() error = %v", err)
	}
	linkedit, err := f.Segment("__LINKEDIT")
	if err != nil {
		t.Fatalf("Segment(__LINKEDIT) error = %v", err)
	}
	linkedit.Data = make([]byte, linkedit.Filesz)

	f.RemoveLoad(f.ExportsTrie)

	out, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	// the tail of the original, longer command area must not leak through
	newEnd := types.FileHeaderSize64 + int(f.SizeCommands)
	oldEnd := types.FileHeaderSize64 + int(f.origCmdSize)
	if newEnd >= oldEnd {
		t.Fatalf("command area did not shrink: new end %#x, old end %#x", newEnd, oldEnd)
	}
	for i := newEnd; i < oldEnd; i++ {
		if out[i] != 0 {
			t.Fatalf("stale command byte %#x at offset %#x", out[i], i)
		}
	}
}
