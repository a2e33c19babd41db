package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// A Load is a decoded load command that can write itself back out.
type Load interface {
	Command() types.LoadCmd
	LoadSize() uint32
	Write(buf *bytes.Buffer, o binary.ByteOrder) error
}

// RawCommand carries a load command this package does not rewrite. The
// original bytes, including the 8 byte command header, are kept verbatim.
type RawCommand struct {
	Cmd  types.LoadCmd
	Data []byte
}

func (c *RawCommand) Command() types.LoadCmd { return c.Cmd }
func (c *RawCommand) LoadSize() uint32       { return uint32(len(c.Data)) }
func (c *RawCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	_, err := buf.Write(c.Data)
	return err
}

// A Segment is a mutable LC_SEGMENT_64 together with its sections and, once
// materialized, its contents.
type Segment struct {
	types.Segment64
	SegName  string
	Sections []*Section
	Data     []byte
}

func (s *Segment) Command() types.LoadCmd { return s.Segment64.LoadCmd }

func (s *Segment) LoadSize() uint32 {
	return uint32(binary.Size(s.Segment64)) + uint32(len(s.Sections))*uint32(binary.Size(types.Section64{}))
}

func (s *Segment) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	s.Len = s.LoadSize()
	s.Nsect = uint32(len(s.Sections))
	s.Segment64.Name = str16(s.SegName)
	if err := binary.Write(buf, o, s.Segment64); err != nil {
		return err
	}
	for _, sec := range s.Sections {
		sec.Section64.Name = str16(sec.SectName)
		sec.Section64.Seg = str16(sec.SegName)
		if err := binary.Write(buf, o, sec.Section64); err != nil {
			return err
		}
	}
	return nil
}

func str16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

// Contains reports whether the segment's address range covers addr.
func (s *Segment) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Memsz
}

// A Section is a mutable 64-bit section header.
type Section struct {
	types.Section64
	SegName  string
	SectName string
}

// Contains reports whether the section's address range covers addr.
func (s *Section) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// A Dylib is a mutable dylib reference command, LC_ID_DYLIB or one of the
// LC_LOAD_DYLIB family. Name shadows the embedded name offset field.
type Dylib struct {
	types.DylibCmd
	Name string
}

func (d *Dylib) Command() types.LoadCmd { return d.DylibCmd.LoadCmd }

func (d *Dylib) LoadSize() uint32 {
	n := uint32(binary.Size(d.DylibCmd)) + uint32(len(d.Name)) + 1
	return (n + 7) &^ 7
}

func (d *Dylib) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	d.Len = d.LoadSize()
	d.DylibCmd.NameOffset = uint32(binary.Size(d.DylibCmd))
	if err := binary.Write(buf, o, d.DylibCmd); err != nil {
		return err
	}
	buf.WriteString(d.Name)
	for i := uint32(binary.Size(d.DylibCmd)) + uint32(len(d.Name)); i < d.Len; i++ {
		buf.WriteByte(0)
	}
	return nil
}

// A Symtab is a mutable LC_SYMTAB command.
type Symtab struct {
	types.SymtabCmd
}

func (s *Symtab) Command() types.LoadCmd { return s.SymtabCmd.LoadCmd }
func (s *Symtab) LoadSize() uint32       { return uint32(binary.Size(s.SymtabCmd)) }
func (s *Symtab) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	s.Len = s.LoadSize()
	return binary.Write(buf, o, s.SymtabCmd)
}

// A Dysymtab is a mutable LC_DYSYMTAB command.
type Dysymtab struct {
	types.DysymtabCmd
}

func (d *Dysymtab) Command() types.LoadCmd { return d.DysymtabCmd.LoadCmd }
func (d *Dysymtab) LoadSize() uint32       { return uint32(binary.Size(d.DysymtabCmd)) }
func (d *Dysymtab) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	d.Len = d.LoadSize()
	return binary.Write(buf, o, d.DysymtabCmd)
}

// A LinkEditData is a mutable linkedit_data_command, used by
// LC_FUNCTION_STARTS, LC_DATA_IN_CODE, LC_CODE_SIGNATURE,
// LC_SEGMENT_SPLIT_INFO, LC_DYLD_EXPORTS_TRIE and LC_DYLD_CHAINED_FIXUPS.
type LinkEditData struct {
	types.LinkEditDataCmd
}

func (l *LinkEditData) Command() types.LoadCmd { return l.LinkEditDataCmd.LoadCmd }
func (l *LinkEditData) LoadSize() uint32       { return uint32(binary.Size(l.LinkEditDataCmd)) }
func (l *LinkEditData) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	l.Len = l.LoadSize()
	return binary.Write(buf, o, l.LinkEditDataCmd)
}

// A DyldInfo is a mutable LC_DYLD_INFO or LC_DYLD_INFO_ONLY command.
type DyldInfo struct {
	types.DyldInfoCmd
}

func (d *DyldInfo) Command() types.LoadCmd { return d.DyldInfoCmd.LoadCmd }
func (d *DyldInfo) LoadSize() uint32       { return uint32(binary.Size(d.DyldInfoCmd)) }
func (d *DyldInfo) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	d.Len = d.LoadSize()
	return binary.Write(buf, o, d.DyldInfoCmd)
}

// A UUID is an LC_UUID command.
type UUID struct {
	types.UUIDCmd
}

func (u *UUID) Command() types.LoadCmd { return u.UUIDCmd.LoadCmd }
func (u *UUID) LoadSize() uint32       { return uint32(binary.Size(u.UUIDCmd)) }
func (u *UUID) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	u.Len = u.LoadSize()
	return binary.Write(buf, o, u.UUIDCmd)
}
