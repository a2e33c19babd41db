package converter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/dyldex/internal/testcache"
	"github.com/blacktop/go-macho/types"
)

func rebuildImage(t *testing.T, data []byte, path string) *Converter {
	t.Helper()
	c := newTestConverter(t, data, path)
	if err := c.RebasePointers(); err != nil {
		t.Fatalf("RebasePointers() error = %v", err)
	}
	if err := c.RebuildLinkedit(); err != nil {
		t.Fatalf("RebuildLinkedit() error = %v", err)
	}
	return c
}

type symInfo struct {
	name  string
	value uint64
	typ   uint8
}

func readSymbols(t *testing.T, c *Converter) []symInfo {
	t.Helper()
	st := c.mf.Symtab
	led := c.linkeditSeg
	nlists := make([]types.Nlist64, st.Nsyms)
	r := bytes.NewReader(led.Data[st.Symoff-uint32(led.Offset):])
	if err := binary.Read(r, c.mf.ByteOrder, nlists); err != nil {
		t.Fatalf("failed to decode rebuilt nlists: %v", err)
	}
	pool := led.Data[st.Stroff-uint32(led.Offset):][:st.Strsize]
	syms := make([]symInfo, 0, len(nlists))
	for _, n := range nlists {
		name := pool[n.Name:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		syms = append(syms, symInfo{string(name), n.Value, uint8(n.Type)})
	}
	return syms
}

func readIndirect(t *testing.T, c *Converter) []uint32 {
	t.Helper()
	dt := c.mf.Dysymtab
	led := c.linkeditSeg
	entries := make([]uint32, dt.Nindirectsyms)
	r := bytes.NewReader(led.Data[dt.Indirectsymoff-uint32(led.Offset):])
	if err := binary.Read(r, c.mf.ByteOrder, entries); err != nil {
		t.Fatalf("failed to decode rebuilt indirect symbols: %v", err)
	}
	return entries
}

func TestConverter_RebuildLinkedit(t *testing.T) {
	data := testcache.Build(t)
	c := rebuildImage(t, data, testcache.Image0Path)

	led := c.linkeditSeg
	if led.Filesz != 0x88 {
		t.Errorf("linkedit Filesz = %#x, want 0x88", led.Filesz)
	}
	if led.Memsz != 0x1000 {
		t.Errorf("linkedit Memsz = %#x, want 0x1000", led.Memsz)
	}
	if uint64(len(led.Data)) != led.Filesz {
		t.Errorf("len(linkedit.Data) = %#x, want %#x", len(led.Data), led.Filesz)
	}

	// blob order: exports trie, function starts, nlists, indirect, strings
	st := c.mf.Symtab
	if st.Symoff != 0xA020 || st.Nsyms != 3 {
		t.Errorf("Symtab = {Symoff: %#x, Nsyms: %d}, want {Symoff: 0xa020, Nsyms: 3}", st.Symoff, st.Nsyms)
	}
	if st.Stroff != 0xA060 || st.Strsize != 0x28 {
		t.Errorf("Symtab = {Stroff: %#x, Strsize: %#x}, want {Stroff: 0xa060, Strsize: 0x28}", st.Stroff, st.Strsize)
	}
	if et := c.mf.ExportsTrie; et == nil || et.Offset != 0xA000 || et.Size != 0x18 {
		t.Errorf("ExportsTrie = %+v, want offset 0xa000 size 0x18", et)
	}
	if fs := c.mf.FunctionStarts; fs == nil || fs.Offset != 0xA018 || fs.Size != 8 {
		t.Errorf("FunctionStarts = %+v, want offset 0xa018 size 8", fs)
	}

	// the trie and function starts blobs are carried over verbatim
	if !bytes.Equal(led.Data[:0x18], data[0xA300:0xA318]) {
		t.Error("exports trie bytes differ from the cache copy")
	}
	if !bytes.Equal(led.Data[0x18:0x20], data[0xA380:0xA388]) {
		t.Error("function starts bytes differ from the cache copy")
	}

	// recovered local first, then the old externally visible symbols
	wantSyms := []symInfo{
		{"_local_foo", 0x180002004, 0x0E},
		{"_foo_public", testcache.FooPublicAddr, 0x0F},
		{"_shared_func", 0, 0x01},
	}
	syms := readSymbols(t, c)
	if len(syms) != len(wantSyms) {
		t.Fatalf("len(symbols) = %d, want %d", len(syms), len(wantSyms))
	}
	for i, want := range wantSyms {
		if syms[i] != want {
			t.Errorf("symbol[%d] = %+v, want %+v", i, syms[i], want)
		}
	}

	dt := c.mf.Dysymtab
	if dt.Nlocalsym != 1 || dt.Iextdefsym != 1 || dt.Nextdefsym != 1 || dt.Iundefsym != 2 || dt.Nundefsym != 1 {
		t.Errorf("Dysymtab partition = {Nlocalsym: %d, Iextdefsym: %d, Nextdefsym: %d, Iundefsym: %d, Nundefsym: %d}, want {1, 1, 1, 2, 1}",
			dt.Nlocalsym, dt.Iextdefsym, dt.Nextdefsym, dt.Iundefsym, dt.Nundefsym)
	}
	if dt.Ntoc != 0 || dt.Nmodtab != 0 || dt.Nextrefsyms != 0 || dt.Nextrel != 0 || dt.Nlocrel != 0 {
		t.Error("legacy dysymtab tables were not zeroed")
	}
	if dt.Indirectsymoff != 0xA050 || dt.Nindirectsyms != 4 {
		t.Errorf("Dysymtab = {Indirectsymoff: %#x, Nindirectsyms: %d}, want {0xa050, 4}", dt.Indirectsymoff, dt.Nindirectsyms)
	}

	// old symbol indices 1 and 0 land at 2 and 1 after the local is prepended
	wantIndirect := []uint32{2, 1, 2, 1}
	indirect := readIndirect(t, c)
	for i, want := range wantIndirect {
		if indirect[i] != want {
			t.Errorf("indirect[%d] = %d, want %d", i, indirect[i], want)
		}
	}
}

// An image with neither an exports trie nor function starts still gets a
// dense linkedit with its blobs packed from the segment start.
func TestConverter_RebuildLinkedit_NoOptionalBlobs(t *testing.T) {
	c := rebuildImage(t, testcache.Build(t), testcache.Image1Path)

	if c.mf.ExportsTrie != nil {
		t.Error("image1 grew an exports trie command")
	}
	if c.mf.FunctionStarts != nil {
		t.Error("image1 grew a function starts command")
	}

	st := c.mf.Symtab
	if st.Symoff != 0xA000 || st.Nsyms != 3 || st.Stroff != 0xA038 || st.Strsize != 0x28 {
		t.Errorf("Symtab = {Symoff: %#x, Nsyms: %d, Stroff: %#x, Strsize: %#x}, want {0xa000, 3, 0xa038, 0x28}",
			st.Symoff, st.Nsyms, st.Stroff, st.Strsize)
	}
	if c.linkeditSeg.Filesz != 0x60 {
		t.Errorf("linkedit Filesz = %#x, want 0x60", c.linkeditSeg.Filesz)
	}

	wantSyms := []symInfo{
		{"_local_bar", 0x180005004, 0x0E},
		{"_bar_public", testcache.BarPublicAddr, 0x0F},
		{"_shared_func", testcache.SharedFuncAddr, 0x0F},
	}
	syms := readSymbols(t, c)
	if len(syms) != len(wantSyms) {
		t.Fatalf("len(symbols) = %d, want %d", len(syms), len(wantSyms))
	}
	for i, want := range wantSyms {
		if syms[i] != want {
			t.Errorf("symbol[%d] = %+v, want %+v", i, syms[i], want)
		}
	}

	if indirect := readIndirect(t, c); len(indirect) != 1 || indirect[0] != 2 {
		t.Errorf("indirect = %v, want [2]", indirect)
	}
}

// Without an unmapped locals region the rebuild keeps just the old table.
func TestConverter_RebuildLinkedit_NoLocalSymbols(t *testing.T) {
	c := newTestConverter(t, testcache.Build(t), testcache.Image0Path)
	c.image.LocalSymbols = nil
	if err := c.RebasePointers(); err != nil {
		t.Fatalf("RebasePointers() error = %v", err)
	}
	if err := c.RebuildLinkedit(); err != nil {
		t.Fatalf("RebuildLinkedit() error = %v", err)
	}

	if c.mf.Symtab.Nsyms != 2 {
		t.Errorf("Nsyms = %d, want 2", c.mf.Symtab.Nsyms)
	}
	if c.mf.Dysymtab.Nlocalsym != 0 {
		t.Errorf("Nlocalsym = %d, want 0", c.mf.Dysymtab.Nlocalsym)
	}
	syms := readSymbols(t, c)
	if syms[0].name != "_foo_public" || syms[1].name != "_shared_func" {
		t.Errorf("symbols = %+v, want _foo_public then _shared_func", syms)
	}
}

func TestConverter_RebuildLinkedit_BadStringIndex(t *testing.T) {
	data := testcache.Build(t)
	// first old nlist's string index points past the pool
	patch(t, data, 0xA000, uint32(0x41))

	c := newTestConverter(t, data, testcache.Image0Path)
	if err := c.RebasePointers(); err != nil {
		t.Fatalf("RebasePointers() error = %v", err)
	}
	if err := c.RebuildLinkedit(); !errors.Is(err, ErrLinkeditIndexOutOfRange) {
		t.Errorf("RebuildLinkedit() error = %v, want %v", err, ErrLinkeditIndexOutOfRange)
	}
}
