// Package testcache builds a synthetic arm64e shared cache for tests: two
// dylibs with v3 chained pointers, a shared linkedit region, cache optimized
// stubs and objc metadata whose strings live in a dyld merged pool.
package testcache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
)

// Cache geometry. The file is 0xC000 bytes: a text mapping holding both
// images plus a merged selector pool, one data page per image, a shared
// linkedit page, then slide info and the unmapped local symbols.
const (
	TextAddr     = 0x180000000
	DataAddr     = 0x1C0000000
	LinkeditAddr = 0x1E0000000
	Size         = 0xC000

	Image0Path      = "/usr/lib/libfoo.dylib"
	Image0Base      = 0x180001000
	Image0TextSect  = 0x180002000
	Image0StubsSect = 0x180002800
	Image0GotSect   = 0x1C0000000
	Image0Selref    = 0x1C0000100
	Image0ImageInfo = 0x1C0000200
	Image0ClassList = 0x1C0000300
	Image0Class     = 0x1C0000340

	Image1Path     = "/usr/lib/libbar.dylib"
	Image1Base     = 0x180004000
	Image1TextSect = 0x180005000
	Image1GotSect  = 0x1C0001000
	Image1DataPtr  = 0x1C0001800

	// Exported symbols and the merged strings the images reference.
	FooPublicAddr  = 0x180002000
	SharedFuncAddr = 0x180005000
	BarPublicAddr  = 0x180005010
	SelectorAddr   = 0x180007001 // "init" in the merged pool
	ClassNameAddr  = 0x18000700B // "Foo" in the merged pool
)

func put(t *testing.T, data []byte, off uint32, v any) {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("failed to encode %T: %v", v, err)
	}
	copy(data[off:], buf.Bytes())
}

func putU32(data []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(data[off:], v)
}

func putU64(data []byte, off uint32, v uint64) {
	binary.LittleEndian.PutUint64(data[off:], v)
}

// negOff encodes a negative self-relative offset field.
func negOff(v int32) uint32 {
	return uint32(-v)
}

func serialize(t *testing.T, img *macho.File) []byte {
	t.Helper()
	out, err := img.SerializeLoadCommands()
	if err != nil {
		t.Fatalf("failed to serialize image load commands: %v", err)
	}
	return out
}

// Build returns the raw cache bytes.
func Build(t *testing.T) []byte {
	t.Helper()

	data := make([]byte, Size)

	hdrSize := uint32(binary.Size(dyld.CacheHeader{}))
	mappingOff := hdrSize
	slideMappingOff := mappingOff + 3*uint32(binary.Size(dyld.CacheMappingInfo{}))
	imagesOff := slideMappingOff + 3*uint32(binary.Size(dyld.CacheMappingAndSlideInfo{}))
	path0Off := imagesOff + 2*uint32(binary.Size(dyld.CacheImageInfo{}))
	path1Off := path0Off + uint32(len(Image0Path)) + 1

	var hdr dyld.CacheHeader
	copy(hdr.Magic[:], "dyld_v1  arm64e")
	hdr.MappingOffset = mappingOff
	hdr.MappingCount = 3
	hdr.MappingWithSlideOffset = slideMappingOff
	hdr.MappingWithSlideCount = 3
	hdr.ImagesOffset = imagesOff
	hdr.ImagesCount = 2
	hdr.LocalSymbolsOffset = 0xB800
	hdr.LocalSymbolsSize = 0x800
	hdr.CacheType = dyld.CacheTypeProduction
	hdr.Platform = types.Platform(2) // iOS
	hdr.SharedRegionStart = TextAddr
	hdr.SharedRegionSize = 0x100000000
	hdr.UUID = types.UUID{0xCA, 0xFE, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	put(t, data, 0, hdr)

	put(t, data, mappingOff, []dyld.CacheMappingInfo{
		{Address: TextAddr, Size: 0x8000, FileOffset: 0, MaxProt: 5, InitProt: 5},
		{Address: DataAddr, Size: 0x2000, FileOffset: 0x8000, MaxProt: 3, InitProt: 3},
		{Address: LinkeditAddr, Size: 0x1000, FileOffset: 0xA000, MaxProt: 1, InitProt: 1},
	})
	put(t, data, slideMappingOff, []dyld.CacheMappingAndSlideInfo{
		{Address: TextAddr, Size: 0x8000, FileOffset: 0, MaxProt: 5, InitProt: 5},
		{Address: DataAddr, Size: 0x2000, FileOffset: 0x8000, SlideInfoOffset: 0xB000, SlideInfoSize: 0x100, MaxProt: 3, InitProt: 3},
		{Address: LinkeditAddr, Size: 0x1000, FileOffset: 0xA000, MaxProt: 1, InitProt: 1},
	})
	put(t, data, imagesOff, []dyld.CacheImageInfo{
		{Address: Image0Base, PathFileOffset: path0Off},
		{Address: Image1Base, PathFileOffset: path1Off},
	})
	copy(data[path0Off:], Image0Path+"\x00")
	copy(data[path1Off:], Image1Path+"\x00")

	copy(data[0x1000:], serialize(t, image0(t)))
	copy(data[0x4000:], serialize(t, image1(t)))

	// image0 __text: _foo_public calls _shared_func through the cache
	// optimized direct branch, skipping its own stub.
	putU32(data, 0x2000, 0x94000C00) // bl 0x180005000
	putU32(data, 0x2004, 0xD65F03C0) // ret (_local_foo)
	for off := uint32(0x2008); off < 0x2040; off += 4 {
		putU32(data, off, 0xD503201F) // nop
	}

	// image0 __stubs: the first stub was optimized into a direct branch to
	// _shared_func, the second still loads _foo_public through the got.
	putU32(data, 0x2800, 0xF0000010) // adrp x16, 0x180005000
	putU32(data, 0x2804, 0x91000210) // add x16, x16, #0x0
	putU32(data, 0x2808, 0xD61F0200) // br x16
	putU32(data, 0x280C, 0xD01FFFF0) // adrp x16, 0x1C0000000
	putU32(data, 0x2810, 0xF9400610) // ldr x16, [x16, #0x8]
	putU32(data, 0x2814, 0xD61F0200) // br x16

	// image1 __text.
	putU32(data, 0x5000, 0xD65F03C0) // ret (_shared_func)
	putU32(data, 0x5004, 0xD503201F) // nop (_local_bar)
	putU32(data, 0x5008, 0xD503201F) // nop
	putU32(data, 0x500C, 0xD503201F) // nop
	putU32(data, 0x5010, 0xD65F03C0) // ret (_bar_public)
	for off := uint32(0x5014); off < 0x5020; off += 4 {
		putU32(data, off, 0xD503201F) // nop
	}

	// Merged string pool, owned by no image.
	copy(data[0x7000:], "\x00init\x00load\x00Foo\x00")

	// image0 data page chain: got[0] -> got[1] -> selref.
	putU64(data, 0x8000, (1<<63)|(1<<51)|0x5000)    // auth got: _shared_func
	putU64(data, 0x8008, (1<<63)|(0x1F<<51)|0x2000) // auth got: _foo_public
	putU64(data, 0x8100, SelectorAddr)              // plain selref, chain end
	putU32(data, 0x8200, 0)                         // objc imageinfo version
	putU32(data, 0x8204, 0x48)                      // optimized by dyld | category class properties

	// image0 objc class Foo: its name lives in the merged pool, its one
	// small method routes through the image's own selref slot.
	putU64(data, 0x8300, Image0Class)       // classlist[0]
	putU64(data, 0x8340, 0)                 // isa
	putU64(data, 0x8348, 0x180007100)       // superclass, owned by another image
	putU64(data, 0x8350, 0)                 // cache
	putU64(data, 0x8358, 0)                 // vtable
	putU64(data, 0x8360, 0x1C0000380)       // data -> class_ro_t
	putU32(data, 0x8380, 0)                 // flags
	putU32(data, 0x8384, 8)                 // instanceStart
	putU32(data, 0x8388, 8)                 // instanceSize
	putU32(data, 0x838C, 0)                 // reserved
	putU64(data, 0x8390, 0)                 // ivarLayout
	putU64(data, 0x8398, ClassNameAddr)     // name -> merged "Foo"
	putU64(data, 0x83A0, 0x1C00003D0)       // baseMethods
	putU64(data, 0x83A8, 0)                 // baseProtocols
	putU64(data, 0x83B0, 0)                 // ivars
	putU64(data, 0x83B8, 0)                 // weakIvarLayout
	putU64(data, 0x83C0, 0)                 // baseProperties
	putU32(data, 0x83D0, 0x8000000C)        // method_list_t: small, entsize 12
	putU32(data, 0x83D4, 1)                 // count
	putU32(data, 0x83D8, negOff(0x2D8))     // nameOff -> selref at 0x1C0000100
	putU32(data, 0x83DC, 0x14)              // typesOff -> 0x1C00003F0
	putU32(data, 0x83E0, negOff(0x3FFFE3E0)) // impOff -> _foo_public
	copy(data[0x83F0:], "v16@0:8\x00")      // method types

	// image1 data page chain: got[0] -> data pointer.
	putU64(data, 0x9000, (1<<63)|(0x100<<51)|0x5000) // auth got: _shared_func
	putU64(data, 0x9800, BarPublicAddr)              // plain pointer, chain end

	// Shared linkedit: both symtabs index one merged string pool.
	put(t, data, 0xA000, []types.Nlist64{
		{Nlist: types.Nlist{Name: 1, Type: 0x0F, Sect: 1}, Value: FooPublicAddr},
		{Nlist: types.Nlist{Name: 13, Type: 0x01, Desc: 0x0100}},
	})
	put(t, data, 0xA040, []types.Nlist64{
		{Nlist: types.Nlist{Name: 26, Type: 0x0F, Sect: 1}, Value: BarPublicAddr},
		{Nlist: types.Nlist{Name: 13, Type: 0x0F, Sect: 1}, Value: SharedFuncAddr},
	})
	copy(data[0xA100:], "\x00_foo_public\x00_shared_func\x00_bar_public\x00")
	put(t, data, 0xA200, []uint32{1, 0, 1, 0}) // image0: stubs then got
	put(t, data, 0xA240, []uint32{1})          // image1: got
	copy(data[0xA300:], exportsTrie())
	copy(data[0xA380:], []byte{0x80, 0x20, 0x04, 0x00}) // function starts

	put(t, data, 0xB000, dyld.CacheSlideInfo3{
		Version:         3,
		PageSize:        0x1000,
		PageStartsCount: 2,
		AuthValueAdd:    TextAddr,
	})
	put(t, data, 0xB000+uint32(binary.Size(dyld.CacheSlideInfo3{})), []uint16{0, 0})

	put(t, data, 0xB800, dyld.CacheLocalSymbolsInfo{
		NlistOffset:   0x20,
		NlistCount:    2,
		StringsOffset: 0x60,
		StringsSize:   0x20,
		EntriesOffset: 0xA0,
		EntriesCount:  2,
	})
	put(t, data, 0xB820, []types.Nlist64{
		{Nlist: types.Nlist{Name: 1, Type: 0x0E, Sect: 1}, Value: 0x180002004},
		{Nlist: types.Nlist{Name: 12, Type: 0x0E, Sect: 1}, Value: 0x180005004},
	})
	copy(data[0xB860:], "\x00_local_foo\x00_local_bar\x00")
	put(t, data, 0xB8A0, []dyld.CacheLocalSymbolsEntry{
		{DylibOffset: 0x1000, NlistStartIndex: 0, NlistCount: 1},
		{DylibOffset: 0x4000, NlistStartIndex: 1, NlistCount: 1},
	})

	return data
}

// Open parses a freshly built cache.
func Open(t *testing.T) (*dyld.File, []byte) {
	t.Helper()
	data := Build(t)
	f, err := dyld.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse synthetic cache: %v", err)
	}
	return f, data
}

func image0(t *testing.T) *macho.File {
	t.Helper()
	img := &macho.File{
		FileHeader: types.FileHeader{
			Magic:  types.Magic64,
			CPU:    types.CPUArm64,
			SubCPU: 2, // arm64e
			Type:   types.MH_DYLIB,
			Flags:  types.NoUndefs | types.DyldLink | types.TwoLevel | types.DylibInCache,
		},
		ByteOrder: binary.LittleEndian,
	}

	text := &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    Image0Base, Memsz: 0x2000,
			Offset: 0x1000, Filesz: 0x2000,
			Maxprot: 5, Prot: 5,
		},
		SegName: "__TEXT",
		Sections: []*macho.Section{
			{
				Section64: types.Section64{Addr: Image0TextSect, Size: 0x40, Offset: 0x2000, Align: 2, Flags: 0x80000400},
				SegName:   "__TEXT", SectName: "__text",
			},
			{
				Section64: types.Section64{Addr: Image0StubsSect, Size: 0x18, Offset: 0x2800, Align: 2, Flags: 0x80000408, Reserve1: 0, Reserve2: 12},
				SegName:   "__TEXT", SectName: "__stubs",
			},
		},
	}
	dataSeg := &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    DataAddr, Memsz: 0x1000,
			Offset: 0x8000, Filesz: 0x1000,
			Maxprot: 3, Prot: 3,
		},
		SegName: "__DATA",
		Sections: []*macho.Section{
			{
				Section64: types.Section64{Addr: Image0GotSect, Size: 0x10, Offset: 0x8000, Align: 3, Flags: 0x6, Reserve1: 2},
				SegName:   "__DATA", SectName: "__got",
			},
			{
				Section64: types.Section64{Addr: Image0Selref, Size: 8, Offset: 0x8100, Align: 3, Flags: 0x10000005},
				SegName:   "__DATA", SectName: "__objc_selrefs",
			},
			{
				Section64: types.Section64{Addr: Image0ImageInfo, Size: 8, Offset: 0x8200, Align: 2},
				SegName:   "__DATA", SectName: "__objc_imageinfo",
			},
			{
				Section64: types.Section64{Addr: Image0ClassList, Size: 8, Offset: 0x8300, Align: 3, Flags: 0x10000000},
				SegName:   "__DATA", SectName: "__objc_classlist",
			},
		},
	}

	img.Loads = append(img.Loads,
		text,
		dataSeg,
		linkeditSegment(),
		&macho.Dylib{
			DylibCmd: types.DylibCmd{LoadCmd: types.LC_ID_DYLIB, Timestamp: 2, CurrentVersion: 0x10000, CompatVersion: 0x10000},
			Name:     Image0Path,
		},
		&macho.UUID{UUIDCmd: types.UUIDCmd{LoadCmd: types.LC_UUID, UUID: types.UUID{0xF0, 0x0F}}},
		&macho.Symtab{SymtabCmd: types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Symoff: 0xA000, Nsyms: 2, Stroff: 0xA100, Strsize: 0x40}},
		&macho.Dysymtab{DysymtabCmd: types.DysymtabCmd{
			LoadCmd:    types.LC_DYSYMTAB,
			Nextdefsym: 1, Iundefsym: 1, Nundefsym: 1,
			Indirectsymoff: 0xA200, Nindirectsyms: 4,
		}},
		&macho.LinkEditData{LinkEditDataCmd: types.LinkEditDataCmd{LoadCmd: types.LC_FUNCTION_STARTS, Offset: 0xA380, Size: 8}},
		&macho.LinkEditData{LinkEditDataCmd: types.LinkEditDataCmd{LoadCmd: types.LC_DYLD_EXPORTS_TRIE, Offset: 0xA300, Size: 0x18}},
	)
	return img
}

func image1(t *testing.T) *macho.File {
	t.Helper()
	img := &macho.File{
		FileHeader: types.FileHeader{
			Magic:  types.Magic64,
			CPU:    types.CPUArm64,
			SubCPU: 2,
			Type:   types.MH_DYLIB,
			Flags:  types.NoUndefs | types.DyldLink | types.TwoLevel | types.DylibInCache,
		},
		ByteOrder: binary.LittleEndian,
	}

	text := &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    Image1Base, Memsz: 0x2000,
			Offset: 0x4000, Filesz: 0x2000,
			Maxprot: 5, Prot: 5,
		},
		SegName: "__TEXT",
		Sections: []*macho.Section{
			{
				Section64: types.Section64{Addr: Image1TextSect, Size: 0x20, Offset: 0x5000, Align: 2, Flags: 0x80000400},
				SegName:   "__TEXT", SectName: "__text",
			},
		},
	}
	dataSeg := &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    Image1GotSect, Memsz: 0x1000,
			Offset: 0x9000, Filesz: 0x1000,
			Maxprot: 3, Prot: 3,
		},
		SegName: "__DATA",
		Sections: []*macho.Section{
			{
				Section64: types.Section64{Addr: Image1GotSect, Size: 8, Offset: 0x9000, Align: 3, Flags: 0x6},
				SegName:   "__DATA", SectName: "__got",
			},
			{
				Section64: types.Section64{Addr: Image1DataPtr, Size: 0x10, Offset: 0x9800, Align: 3},
				SegName:   "__DATA", SectName: "__data",
			},
		},
	}

	img.Loads = append(img.Loads,
		text,
		dataSeg,
		linkeditSegment(),
		&macho.Dylib{
			DylibCmd: types.DylibCmd{LoadCmd: types.LC_ID_DYLIB, Timestamp: 2, CurrentVersion: 0x10000, CompatVersion: 0x10000},
			Name:     Image1Path,
		},
		&macho.UUID{UUIDCmd: types.UUIDCmd{LoadCmd: types.LC_UUID, UUID: types.UUID{0xBA, 0x44}}},
		&macho.Symtab{SymtabCmd: types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Symoff: 0xA040, Nsyms: 2, Stroff: 0xA100, Strsize: 0x40}},
		&macho.Dysymtab{DysymtabCmd: types.DysymtabCmd{
			LoadCmd:    types.LC_DYSYMTAB,
			Nextdefsym: 2, Iundefsym: 2,
			Indirectsymoff: 0xA240, Nindirectsyms: 1,
		}},
	)
	return img
}

func linkeditSegment() *macho.Segment {
	return &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    LinkeditAddr, Memsz: 0x1000,
			Offset: 0xA000, Filesz: 0x1000,
			Maxprot: 1, Prot: 1,
		},
		SegName: "__LINKEDIT",
	}
}

// exportsTrie encodes image0's trie: a single terminal node for _foo_public
// at offset 0x1000 from the image base.
func exportsTrie() []byte {
	trie := []byte{0x00, 0x01}
	trie = append(trie, []byte("_foo_public\x00")...)
	trie = append(trie, 0x0F)                         // child node offset
	trie = append(trie, 0x03, 0x00, 0x80, 0x20, 0x00) // terminal: flags 0, uleb(0x1000)
	return trie
}
