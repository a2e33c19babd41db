// Package macho implements a mutable view of a 64-bit Mach-O image, parsed
// in place from a dyld shared cache. Load commands can be rewritten, removed
// or inserted, segment contents are held in writable buffers, and the whole
// image can be serialized back out as a standalone file.
package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-macho/types"
)

var (
	// ErrMalformedMachO is returned when an image's header or load commands
	// cannot be parsed.
	ErrMalformedMachO = errors.New("malformed mach-o")
	// ErrSegmentNotFound is returned when no segment matches a lookup.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSectionNotFound is returned when no section matches a lookup.
	ErrSectionNotFound = errors.New("section not found")
	// ErrAddressOutOfRange is returned when an address is not backed by any
	// materialized segment data.
	ErrAddressOutOfRange = errors.New("address not within segment data")
	// ErrNoLoadCommandSpace is returned when the load command area cannot
	// grow without overlapping section contents.
	ErrNoLoadCommandSpace = errors.New("no space to grow load commands")
)

// A File is a mutable 64-bit Mach-O image.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder

	Loads []Load

	ID             *Dylib
	Symtab         *Symtab
	Dysymtab       *Dysymtab
	DyldInfo       *DyldInfo
	UUID           *UUID
	FunctionStarts *LinkEditData
	DataInCode     *LinkEditData
	CodeSignature  *LinkEditData
	SplitInfo      *LinkEditData
	ExportsTrie    *LinkEditData
	ChainedFixups  *LinkEditData

	origCmdSize uint32
}

// NewFile parses the Mach-O image starting at offset in r. Segment contents
// are not copied, see LoadSegmentData.
func NewFile(r io.ReaderAt, offset int64) (*File, error) {
	f := new(File)
	f.ByteOrder = binary.LittleEndian

	sr := io.NewSectionReader(r, offset, 1<<63-1-offset)
	if err := binary.Read(sr, f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to read mach-o header: %v", err)
	}
	if f.Magic != types.Magic64 {
		return nil, fmt.Errorf("%w: magic %#x is not a 64-bit mach-o", ErrMalformedMachO, uint32(f.Magic))
	}
	f.origCmdSize = f.SizeCommands

	dat := make([]byte, f.SizeCommands)
	if _, err := sr.ReadAt(dat, int64(types.FileHeaderSize64)); err != nil {
		return nil, fmt.Errorf("failed to read load commands: %v", err)
	}

	bo := f.ByteOrder
	for i := uint32(0); i != f.NCommands; i++ {
		if len(dat) < 8 {
			return nil, fmt.Errorf("%w: load command %d extends past end of command area", ErrMalformedMachO, i)
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < 8 || siz > uint32(len(dat)) {
			return nil, fmt.Errorf("%w: load command %d has invalid size %d", ErrMalformedMachO, i, siz)
		}
		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]
		b := bytes.NewReader(cmddat)

		switch cmd {
		case types.LC_SEGMENT_64:
			seg := new(Segment)
			if err := binary.Read(b, bo, &seg.Segment64); err != nil {
				return nil, fmt.Errorf("failed to read LC_SEGMENT_64: %v", err)
			}
			seg.SegName = cstring(seg.Segment64.Name[:])
			for j := uint32(0); j != seg.Nsect; j++ {
				sec := new(Section)
				if err := binary.Read(b, bo, &sec.Section64); err != nil {
					return nil, fmt.Errorf("failed to read section %d of %s: %v", j, seg.SegName, err)
				}
				sec.SegName = cstring(sec.Seg[:])
				sec.SectName = cstring(sec.Section64.Name[:])
				seg.Sections = append(seg.Sections, sec)
			}
			f.Loads = append(f.Loads, seg)
		case types.LC_SYMTAB:
			st := new(Symtab)
			if err := binary.Read(b, bo, &st.SymtabCmd); err != nil {
				return nil, fmt.Errorf("failed to read LC_SYMTAB: %v", err)
			}
			f.Symtab = st
			f.Loads = append(f.Loads, st)
		case types.LC_DYSYMTAB:
			dt := new(Dysymtab)
			if err := binary.Read(b, bo, &dt.DysymtabCmd); err != nil {
				return nil, fmt.Errorf("failed to read LC_DYSYMTAB: %v", err)
			}
			f.Dysymtab = dt
			f.Loads = append(f.Loads, dt)
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			di := new(DyldInfo)
			if err := binary.Read(b, bo, &di.DyldInfoCmd); err != nil {
				return nil, fmt.Errorf("failed to read LC_DYLD_INFO: %v", err)
			}
			f.DyldInfo = di
			f.Loads = append(f.Loads, di)
		case types.LC_UUID:
			u := new(UUID)
			if err := binary.Read(b, bo, &u.UUIDCmd); err != nil {
				return nil, fmt.Errorf("failed to read LC_UUID: %v", err)
			}
			f.UUID = u
			f.Loads = append(f.Loads, u)
		case types.LC_ID_DYLIB, types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB,
			types.LC_REEXPORT_DYLIB, types.LC_LOAD_UPWARD_DYLIB:
			d := new(Dylib)
			if err := binary.Read(b, bo, &d.DylibCmd); err != nil {
				return nil, fmt.Errorf("failed to read %s: %v", cmd, err)
			}
			if d.DylibCmd.NameOffset >= siz {
				return nil, fmt.Errorf("%w: %s name offset %d outside command", ErrMalformedMachO, cmd, d.DylibCmd.NameOffset)
			}
			d.Name = cstring(cmddat[d.DylibCmd.NameOffset:])
			if cmd == types.LC_ID_DYLIB {
				f.ID = d
			}
			f.Loads = append(f.Loads, d)
		case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS,
			types.LC_DATA_IN_CODE, types.LC_DYLD_EXPORTS_TRIE, types.LC_DYLD_CHAINED_FIXUPS:
			le := new(LinkEditData)
			if err := binary.Read(b, bo, &le.LinkEditDataCmd); err != nil {
				return nil, fmt.Errorf("failed to read %s: %v", cmd, err)
			}
			switch cmd {
			case types.LC_CODE_SIGNATURE:
				f.CodeSignature = le
			case types.LC_SEGMENT_SPLIT_INFO:
				f.SplitInfo = le
			case types.LC_FUNCTION_STARTS:
				f.FunctionStarts = le
			case types.LC_DATA_IN_CODE:
				f.DataInCode = le
			case types.LC_DYLD_EXPORTS_TRIE:
				f.ExportsTrie = le
			case types.LC_DYLD_CHAINED_FIXUPS:
				f.ChainedFixups = le
			}
			f.Loads = append(f.Loads, le)
		default:
			f.Loads = append(f.Loads, &RawCommand{Cmd: cmd, Data: append([]byte(nil), cmddat...)})
		}
	}

	return f, nil
}

// LoadSegmentData copies each segment's contents out of r, which must read
// at the same offsets the load commands reference. The linkedit segment is
// skipped since its replacement is always rebuilt from scratch.
func (f *File) LoadSegmentData(r io.ReaderAt) error {
	for _, seg := range f.Segments() {
		if seg.SegName == "__LINKEDIT" || seg.Filesz == 0 {
			continue
		}
		seg.Data = make([]byte, seg.Filesz)
		if _, err := r.ReadAt(seg.Data, int64(seg.Offset)); err != nil {
			return fmt.Errorf("failed to read %s contents: %v", seg.SegName, err)
		}
	}
	return nil
}

// Segments returns the file's segments in load command order.
func (f *File) Segments() []*Segment {
	var segs []*Segment
	for _, l := range f.Loads {
		if seg, ok := l.(*Segment); ok {
			segs = append(segs, seg)
		}
	}
	return segs
}

// Segment returns the first segment with the given name.
func (f *File) Segment(name string) (*Segment, error) {
	for _, seg := range f.Segments() {
		if seg.SegName == name {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
}

// Section returns the named section.
func (f *File) Section(segName, sectName string) (*Section, error) {
	for _, seg := range f.Segments() {
		if seg.SegName != segName {
			continue
		}
		for _, sec := range seg.Sections {
			if sec.SectName == sectName {
				return sec, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrSectionNotFound, segName, sectName)
}

// Sections returns all sections in load command order.
func (f *File) Sections() []*Section {
	var secs []*Section
	for _, seg := range f.Segments() {
		secs = append(secs, seg.Sections...)
	}
	return secs
}

// SegmentForVMAddr returns the segment whose address range covers addr.
func (f *File) SegmentForVMAddr(addr uint64) (*Segment, error) {
	for _, seg := range f.Segments() {
		if seg.Contains(addr) {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("%w: no segment contains %#x", ErrSegmentNotFound, addr)
}

// SectionForVMAddr returns the section whose address range covers addr.
func (f *File) SectionForVMAddr(addr uint64) (*Section, error) {
	for _, sec := range f.Sections() {
		if sec.Contains(addr) {
			return sec, nil
		}
	}
	return nil, fmt.Errorf("%w: no section contains %#x", ErrSectionNotFound, addr)
}

func (f *File) dataFor(addr uint64, size uint64) ([]byte, error) {
	for _, seg := range f.Segments() {
		if seg.Data == nil || !seg.Contains(addr) {
			continue
		}
		idx := addr - seg.Addr
		if idx+size > uint64(len(seg.Data)) {
			return nil, fmt.Errorf("%w: %#x..%#x extends past %s file data", ErrAddressOutOfRange, addr, addr+size, seg.SegName)
		}
		return seg.Data[idx : idx+size], nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrAddressOutOfRange, addr)
}

// ReadAtVMAddr copies len(p) bytes at the given virtual address out of the
// materialized segment data.
func (f *File) ReadAtVMAddr(p []byte, addr uint64) error {
	data, err := f.dataFor(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

// Uint32AtVMAddr returns the little endian uint32 at the given virtual
// address.
func (f *File) Uint32AtVMAddr(addr uint64) (uint32, error) {
	data, err := f.dataFor(addr, 4)
	if err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint32(data), nil
}

// PutUint32AtVMAddr stores a little endian uint32 at the given virtual
// address.
func (f *File) PutUint32AtVMAddr(v uint32, addr uint64) error {
	data, err := f.dataFor(addr, 4)
	if err != nil {
		return err
	}
	f.ByteOrder.PutUint32(data, v)
	return nil
}

// Uint64AtVMAddr returns the little endian uint64 at the given virtual
// address.
func (f *File) Uint64AtVMAddr(addr uint64) (uint64, error) {
	data, err := f.dataFor(addr, 8)
	if err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint64(data), nil
}

// PutUint64AtVMAddr stores a little endian uint64 at the given virtual
// address.
func (f *File) PutUint64AtVMAddr(v uint64, addr uint64) error {
	data, err := f.dataFor(addr, 8)
	if err != nil {
		return err
	}
	f.ByteOrder.PutUint64(data, v)
	return nil
}

// RemoveLoad removes a load command.
func (f *File) RemoveLoad(l Load) {
	for i, x := range f.Loads {
		if x == l {
			f.Loads = append(f.Loads[:i], f.Loads[i+1:]...)
			break
		}
	}
	if le, ok := l.(*LinkEditData); ok {
		switch le {
		case f.CodeSignature:
			f.CodeSignature = nil
		case f.SplitInfo:
			f.SplitInfo = nil
		case f.FunctionStarts:
			f.FunctionStarts = nil
		case f.DataInCode:
			f.DataInCode = nil
		case f.ExportsTrie:
			f.ExportsTrie = nil
		case f.ChainedFixups:
			f.ChainedFixups = nil
		}
	}
}

// sizeofCmds returns the total byte size of all load commands.
func (f *File) sizeofCmds() uint32 {
	var n uint32
	for _, l := range f.Loads {
		n += l.LoadSize()
	}
	return n
}

// loadCommandRoom returns the bytes available for load commands between the
// mach header and the first section's contents.
func (f *File) loadCommandRoom() (uint32, bool) {
	text, err := f.Segment("__TEXT")
	if err != nil {
		return 0, false
	}
	var first uint32
	for _, sec := range text.Sections {
		if sec.Offset != 0 && (first == 0 || sec.Offset < first) {
			first = sec.Offset
		}
	}
	if first == 0 {
		return 0, false
	}
	return first - uint32(text.Offset) - types.FileHeaderSize64, true
}

// InsertSegment adds a new segment load command immediately before the
// linkedit segment's. It fails when the load command area cannot grow without
// overlapping the first section's contents.
func (f *File) InsertSegment(seg *Segment) error {
	if room, ok := f.loadCommandRoom(); ok {
		if need := f.sizeofCmds() + seg.LoadSize(); need > room {
			return fmt.Errorf("%w: need %d bytes, have %d", ErrNoLoadCommandSpace, need, room)
		}
	}
	idx := len(f.Loads)
	for i, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.SegName == "__LINKEDIT" {
			idx = i
			break
		}
	}
	f.Loads = append(f.Loads[:idx], append([]Load{seg}, f.Loads[idx:]...)...)
	return nil
}

// SerializeLoadCommands rebuilds the raw mach header and load command area,
// updating NCommands and SizeCommands.
func (f *File) SerializeLoadCommands() ([]byte, error) {
	f.NCommands = uint32(len(f.Loads))
	f.SizeCommands = f.sizeofCmds()

	hdr := make([]byte, types.FileHeaderSize64)
	f.FileHeader.Put(hdr, f.ByteOrder)

	buf := bytes.NewBuffer(hdr)
	for _, l := range f.Loads {
		if err := l.Write(buf, f.ByteOrder); err != nil {
			return nil, fmt.Errorf("failed to write %s: %v", l.Command(), err)
		}
	}
	return buf.Bytes(), nil
}

// Bytes assembles the image from the serialized load commands and each
// segment's data laid out at its file offset. Every segment must be
// materialized and the header must fit inside the first segment.
func (f *File) Bytes() ([]byte, error) {
	hdr, err := f.SerializeLoadCommands()
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, seg := range f.Segments() {
		if seg.Data == nil && seg.Filesz != 0 {
			return nil, fmt.Errorf("segment %s has no materialized data", seg.SegName)
		}
		if end := seg.Offset + seg.Filesz; end > total {
			total = end
		}
	}
	if uint64(len(hdr)) > total {
		return nil, fmt.Errorf("%w: load commands extend past end of file", ErrMalformedMachO)
	}

	out := make([]byte, total)
	for _, seg := range f.Segments() {
		copy(out[seg.Offset:], seg.Data)
	}

	// The copied text contents still open with the cached header bytes.
	// Blank the larger of the two command areas, then lay down ours.
	oldEnd := uint64(types.FileHeaderSize64) + uint64(f.origCmdSize)
	if end := uint64(len(hdr)); end > oldEnd {
		oldEnd = end
	}
	for i := uint64(0); i < oldEnd && i < total; i++ {
		out[i] = 0
	}
	copy(out, hdr)

	return out, nil
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}
