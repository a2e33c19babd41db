package dyld

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
)

// Known good magics
var knownMagic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

type magic [16]byte

func (m magic) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

type formatVersion uint32

const (
	dylibsExpectedOnDisk   formatVersion = 0x100
	isSimulator            formatVersion = 0x200
	locallyBuiltCache      formatVersion = 0x400
	builtFromChainedFixups formatVersion = 0x800
)

func (f formatVersion) Version() uint8 {
	return uint8(f & 0xff)
}

func (f formatVersion) IsSimulator() bool {
	return (f & isSimulator) != 0
}

func (f formatVersion) IsDylibsExpectedOnDisk() bool {
	return (f & dylibsExpectedOnDisk) != 0
}

func (f formatVersion) IsLocallyBuiltCache() bool {
	return (f & locallyBuiltCache) != 0
}

func (f formatVersion) IsBuiltFromChainedFixups() bool {
	return (f & builtFromChainedFixups) != 0
}

func (f formatVersion) String() string {
	var fStr []string
	if f.IsSimulator() {
		fStr = append(fStr, "simulator")
	}
	if f.IsDylibsExpectedOnDisk() {
		fStr = append(fStr, "dylibs expected on disk")
	}
	if f.IsLocallyBuiltCache() {
		fStr = append(fStr, "locally built")
	}
	if f.IsBuiltFromChainedFixups() {
		fStr = append(fStr, "chained fixups")
	}
	if len(fStr) > 0 {
		return fmt.Sprintf("%d (%s)", f.Version(), strings.Join(fStr, ", "))
	}
	return fmt.Sprintf("%d", f.Version())
}

type cacheType uint64

const (
	CacheTypeDevelopment cacheType = 0
	CacheTypeProduction  cacheType = 1
	CacheTypeUniversal   cacheType = 2
)

func (t cacheType) String() string {
	switch t {
	case CacheTypeDevelopment:
		return "development"
	case CacheTypeProduction:
		return "production"
	case CacheTypeUniversal:
		return "universal"
	default:
		return fmt.Sprintf("unknown (%d)", uint64(t))
	}
}

type maxSlide uint64

func (m maxSlide) String() string {
	return fmt.Sprintf("%#08x (ASLR entropy: %s)", uint64(m), humanize.Bytes(uint64(m)))
}

// CacheHeader is the header of a dyld_shared_cache file (struct dyld_cache_header).
// The struct must match the on-disk layout exactly; older caches carry a shorter
// header and are zero padded up to this layout at parse time.
type CacheHeader struct {
	Magic                 magic      // e.g. "dyld_v1  arm64e"
	MappingOffset         uint32     // file offset to first dyld_cache_mapping_info
	MappingCount          uint32     // number of dyld_cache_mapping_info entries
	ImagesOffsetOld       uint32     // UNUSED: moved to ImagesOffset to prevent older dsc_extractors from crashing
	ImagesCountOld        uint32     // UNUSED: moved to ImagesCount to prevent older dsc_extractors from crashing
	DyldBaseAddress       uint64     // base address of dyld when cache was built
	CodeSignatureOffset   uint64     // file offset of code signature blob
	CodeSignatureSize     uint64     // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused uint64     // unused. Used to be file offset of kernel slid info
	SlideInfoSizeUnused   uint64     // unused. Used to be size of kernel slid info
	LocalSymbolsOffset    uint64     // file offset of where local symbols are stored
	LocalSymbolsSize      uint64     // size of local symbols information
	UUID                  types.UUID // unique value for each shared cache file
	CacheType             cacheType  // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset     uint32     // file offset to table of uint64_t pool addresses
	BranchPoolsCount      uint32     // number of uint64_t entries
	DyldInCacheMH         uint64     // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry      uint64     // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset      uint64     // file offset to first dyld_cache_image_text_info
	ImagesTextCount       uint64     // number of dyld_cache_image_text_info entries
	PatchInfoAddr         uint64     // (unslid) address of dyld_cache_patch_info
	PatchInfoSize         uint64     // size of all of the patch information
	OtherImageGroupAddr   uint64     // unused
	OtherImageGroupSize   uint64     // unused
	ProgClosuresAddr      uint64     // (unslid) address of list of program launch closures
	ProgClosuresSize      uint64     // size of list of program launch closures
	ProgClosuresTrieAddr  uint64     // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize  uint64     // size of trie of indexes into program launch closures
	Platform              types.Platform
	FormatVersion         formatVersion /* formatVersion          : 8,
	   dylibsExpectedOnDisk   : 1,
	   simulator              : 1,
	   locallyBuiltCache      : 1,
	   builtFromChainedFixups : 1,
	   padding                : 20 */
	SharedRegionStart      uint64   // base load address of cache if not slid
	SharedRegionSize       uint64   // overall size of region cache can be mapped into
	MaxSlide               maxSlide // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr   uint64   // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize   uint64   // size of ImageArray for dylibs in this cache
	DylibsTrieAddr         uint64   // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize         uint64   // size of trie of cached dylib paths
	OtherImageArrayAddr    uint64   // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize    uint64   // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr          uint64   // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize          uint64   // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset uint32   // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount  uint32   // number of dyld_cache_mapping_and_slide_info entries

	DylibsPBLStateArrayAddrUnused uint64 // unused
	DylibsPBLSetAddr              uint64 // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPBLSetPoolAddr        uint64 // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPBLSetPoolSize        uint64 // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr               uint64 // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize               uint32
	OsVersion                     types.Version  // OS Version of dylibs in this cache for the main platform
	AltPlatform                   types.Platform // e.g. iOSMac on macOS
	AltOsVersion                  types.Version  // e.g. 14.0 on macOS
	SwiftOptsOffset               uint64         // VM offset from cache_header* to Swift optimizations header
	SwiftOptsSize                 uint64         // size of Swift optimizations header
	SubCacheArrayOffset           uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount            uint32         // number of subcache entries
	SymbolFileUUID                types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr           uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize           uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr          uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize          uint64         // maximum size of the Rosetta read-write region
	ImagesOffset                  uint32         // file offset to first dyld_cache_image_info
	ImagesCount                   uint32         // number of dyld_cache_image_info entries
	CacheSubType                  uint32         // 0 for development, 1 for production, when cacheType is multi-cache(2)
	_                             uint32         // padding for 64bit alignment
	ObjcOptsOffset                uint64         // VM offset from cache_header* to ObjC optimizations header
	ObjcOptsSize                  uint64         // size of ObjC optimizations header
	CacheAtlasOffset              uint64         // VM offset from cache_header* to embedded cache atlas for process introspection
	CacheAtlasSize                uint64         // size of embedded cache atlas
	DynamicDataOffset             uint64         // VM offset from cache_header* to beginning of dynamic data
	DynamicDataMaxSize            uint64         // maximum size of space reserved from dynamic data
	TPROMappingsOffset            uint32         // file offset to first dyld_cache_tpro_mapping_info
	TPROMappingsCount             uint32         // number of dyld_cache_tpro_mapping_info entries
}

// CacheMappingInfo is the dyld_cache_mapping_info struct
type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

type CacheMappingFlag uint64

const (
	mappingAuthData  CacheMappingFlag = 1 << 0
	mappingDirtyData CacheMappingFlag = 1 << 1
	mappingConstData CacheMappingFlag = 1 << 2
)

func (f CacheMappingFlag) IsAuthData() bool {
	return (f & mappingAuthData) != 0
}
func (f CacheMappingFlag) IsDirtyData() bool {
	return (f & mappingDirtyData) != 0
}
func (f CacheMappingFlag) IsConstData() bool {
	return (f & mappingConstData) != 0
}
func (f CacheMappingFlag) String() string {
	var fStr []string
	if f.IsAuthData() {
		fStr = append(fStr, "AUTH_DATA")
	}
	if f.IsDirtyData() {
		fStr = append(fStr, "DIRTY_DATA")
	}
	if f.IsConstData() {
		fStr = append(fStr, "CONST_DATA")
	}
	return strings.Join(fStr, "|")
}

// CacheMappingAndSlideInfo is the dyld_cache_mapping_and_slide_info struct
type CacheMappingAndSlideInfo struct {
	Address         uint64           `json:"address"`
	Size            uint64           `json:"size"`
	FileOffset      uint64           `json:"file_offset"`
	SlideInfoOffset uint64           `json:"slide_info_offset"`
	SlideInfoSize   uint64           `json:"slide_info_size"`
	Flags           CacheMappingFlag `json:"flags"`
	MaxProt         types.VmProtection
	InitProt        types.VmProtection
}

type CacheMapping struct {
	Name string
	CacheMappingInfo
}

func (m *CacheMapping) String() string {
	return fmt.Sprintf("%10s: %#09x -> %#09x (%s), offset: %#x, prot: %s/%s",
		m.Name,
		m.Address,
		m.Address+m.Size,
		humanize.Bytes(m.Size),
		m.FileOffset,
		m.InitProt,
		m.MaxProt,
	)
}

// CacheMappingWithSlideInfo is a mapping that carries its own slide info
// region. The page arrays are read up front so rebase walks never touch the
// slide info region again.
type CacheMappingWithSlideInfo struct {
	Name string
	CacheMappingAndSlideInfo
	SlideInfo  SlideInfo
	PageStarts []uint16 // versions 2-5
	PageExtras []uint16 // versions 2 and 4
	Toc        []uint16 // version 1
	Bitmaps    [][]byte // version 1, one rebase bitmap per toc entry
}

func (m *CacheMappingWithSlideInfo) String() string {
	slideVersion := uint32(0)
	if m.SlideInfo != nil {
		slideVersion = m.SlideInfo.GetVersion()
	}
	return fmt.Sprintf("%11s: %#09x -> %#09x (%s), offset: %#x, slide info: v%d, flags: %s",
		m.Name,
		m.Address,
		m.Address+m.Size,
		humanize.Bytes(m.Size),
		m.FileOffset,
		slideVersion,
		m.Flags,
	)
}

// CacheImageInfo is the dyld_cache_image_info struct
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// CacheImageTextInfo is the dyld_cache_image_text_info struct
type CacheImageTextInfo struct {
	UUID            types.UUID
	LoadAddress     uint64 // unslid address of start of __TEXT
	TextSegmentSize uint32
	PathOffset      uint32 // offset from start of cache file
}

// SlideInfo is the closed set of pointer slide encodings a cache mapping may
// use. Parsing selects the variant from the leading version field and fails
// on versions outside the set.
type SlideInfo interface {
	GetVersion() uint32
	GetPageSize() uint32
	SlidePointer(uint64) uint64
}

// CacheSlideInfo is the dyld_cache_slide_info struct (version 1).
// The rebasing info allows the kernel to lazily rebase DATA pages of the
// dyld shared cache. Rebasing is adding the slide to interior pointers.
type CacheSlideInfo struct {
	Version       uint32 // currently 1
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32 // currently 128
	// uint16_t toc[toc_count];
	// entrybitmap entries[entries_count];
}

func (i CacheSlideInfo) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo) GetPageSize() uint32 {
	return 4096
}
func (i CacheSlideInfo) SlidePointer(ptr uint64) uint64 {
	return ptr
}

const (
	DyldCacheSlidePageAttrs        = 0xC000 // high bits of uint16_t are flags
	DyldCacheSlidePageAttrExtra    = 0x8000 // index is into extras array (not starts array)
	DyldCacheSlidePageAttrNoRebase = 0x4000 // page has no rebasing
	DyldCacheSlidePageAttrEnd      = 0x8000 // last chain entry for page
)

// CacheSlideInfo2 is the dyld_cache_slide_info2 struct
type CacheSlideInfo2 struct {
	Version          uint32 // currently 2
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location
	ValueAdd         uint64
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

func (i CacheSlideInfo2) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo2) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo2) SlidePointer(ptr uint64) uint64 {
	value := ptr & ^i.DeltaMask
	if value != 0 {
		value += i.ValueAdd
	}
	return value
}

const DyldCacheSlideV3PageAttrNoRebase = 0xFFFF // page has no rebasing

// CacheSlideInfo3 is the dyld_cache_slide_info3 struct
type CacheSlideInfo3 struct {
	Version         uint32 // currently 3
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	_               uint32 // padding for 64bit alignment
	AuthValueAdd    uint64
	// PageStarts      []uint16 /* len() = page_starts_count */
}

func (i CacheSlideInfo3) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo3) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo3) SlidePointer(ptr uint64) uint64 {
	if ptr == 0 {
		return 0
	}
	pointer := CacheSlidePointer3(ptr)
	if pointer.Authenticated() {
		return i.AuthValueAdd + pointer.OffsetFromSharedCacheBase()
	}
	return pointer.SignExtend51()
}

// CacheSlidePointer3 struct
//
//	{
//	    uint64_t  raw;
//	    struct {
//	        uint64_t    pointerValue        : 51,
//	                    offsetToNextPointer : 11,
//	                    unused              :  2;
//	    }         plain;
//	    struct {
//	        uint64_t    offsetFromSharedCacheBase : 32,
//	                    diversityData             : 16,
//	                    hasAddressDiversity       :  1,
//	                    key                       :  2,
//	                    offsetToNextPointer       : 11,
//	                    unused                    :  1,
//	                    authenticated             :  1; // = 1;
//	    }         auth;
//	};
type CacheSlidePointer3 uint64

// SignExtend51 returns a regular pointer which needs to fit in 51-bits of value.
// C++ RTTI uses the top bit, so we'll allow the whole top-byte
// and the signed-extended bottom 43-bits to be fit in to 51-bits.
func (p CacheSlidePointer3) SignExtend51() uint64 {
	top8Bits := uint64(p & 0x007F80000000000)
	bottom43Bits := int64(p&0x000007FFFFFFFFFF) << 21 >> 21
	return (top8Bits << 13) | (uint64(bottom43Bits) & 0x00FFFFFFFFFFFFFF)
}

// Raw returns the chained pointer's raw uint64 value
func (p CacheSlidePointer3) Raw() uint64 {
	return uint64(p)
}

// Value returns the chained pointer's value
func (p CacheSlidePointer3) Value() uint64 {
	return types.ExtractBits(uint64(p), 0, 51)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer3) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 51, 11)
}

// OffsetFromSharedCacheBase returns the chained pointer's offset from the base
func (p CacheSlidePointer3) OffsetFromSharedCacheBase() uint64 {
	return types.ExtractBits(uint64(p), 0, 32)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer3) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 32, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer3) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 48, 1) != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer3) Key() uint64 {
	return types.ExtractBits(uint64(p), 49, 2)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer3) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

// KeyName returns the chained pointer's key name
func KeyName(keyVal uint64) string {
	name := []string{"IA", "IB", "DA", "DB"}
	key := keyVal >> 49 & 0x3
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

func (p CacheSlidePointer3) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("value: %#x, next: %02x, diversity: %04x, addr_div: %t, key: %s, auth: %t",
			p.Value(),
			p.OffsetToNextPointer(),
			p.DiversityData(),
			p.HasAddressDiversity(),
			KeyName(uint64(p)),
			p.Authenticated(),
		)
	}
	return fmt.Sprintf("value: %#x, next: %02x", p.Value(), p.OffsetToNextPointer())
}

const (
	DyldCacheSlide4PageNoRebase = 0xFFFF // page has no rebasing
	DyldCacheSlide4PageIndex    = 0x7FFF // mask of page_starts[] values
	DyldCacheSlide4PageUseExtra = 0x8000 // index is into extras array (not a chain start offset)
	DyldCacheSlide4PageExtraEnd = 0x8000 // last chain entry for page
)

// CacheSlideInfo4 is the dyld_cache_slide_info4 struct (32-bit caches)
type CacheSlideInfo4 struct {
	Version          uint32 // currently 4
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location (0xC0000000)
	ValueAdd         uint64 // base address of cache
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

func (i CacheSlideInfo4) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo4) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo4) SlidePointer(ptr uint64) uint64 {
	value := ptr & ^i.DeltaMask
	if (value & 0xFFFF8000) == 0 {
		// small positive non-pointer, use as-is
	} else if (value & 0x3FFF8000) == 0x3FFF8000 {
		// small negative non-pointer
		value |= 0xC0000000
	} else {
		value += i.ValueAdd
	}
	return value
}

const DyldCacheSlideV5PageAttrNoRebase = 0xFFFF // page has no rebasing

// CacheSlideInfo5 is the dyld_cache_slide_info5 struct
type CacheSlideInfo5 struct {
	Version         uint32 // currently 5
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	_               uint32 // padding for 64bit alignment
	ValueAdd        uint64
	// PageStarts      []uint16 /* len() = page_starts_count */
}

func (i CacheSlideInfo5) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo5) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo5) SlidePointer(ptr uint64) uint64 {
	if ptr == 0 {
		return 0
	}
	pointer := CacheSlidePointer5(ptr)
	if pointer.Authenticated() {
		return i.ValueAdd + pointer.Value()
	}
	return (i.ValueAdd + pointer.Value()) | (pointer.High8() << 56)
}

// CacheSlidePointer5 is a chained pointer in a version 5 slide info region.
// Only interior pointers are rebased, so the unused high bits form a linked
// list of rebase locations within each page.
type CacheSlidePointer5 uint64

// Raw returns the chained pointer's raw uint64 value
func (p CacheSlidePointer5) Raw() uint64 {
	return uint64(p)
}

// Value returns the runtime offset from the start of the shared cache
func (p CacheSlidePointer5) Value() uint64 {
	return types.ExtractBits(uint64(p), 0, 34)
}

func (p CacheSlidePointer5) High8() uint64 {
	return types.ExtractBits(uint64(p), 34, 8)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer5) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 52, 11)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer5) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 34, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer5) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 50, 1) != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer5) Key() uint64 {
	return types.ExtractBits(uint64(p), 51, 1)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer5) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

// CacheLocalSymbolsInfo is the dyld_cache_local_symbols_info struct
type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

// CacheLocalSymbolsEntry is the dyld_cache_local_symbols_entry struct
type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

// CacheLocalSymbol64 is a local symbol recovered from the cache's unmapped
// locals region, attributed to the dylib that owns it.
type CacheLocalSymbol64 struct {
	types.Nlist64
	Name         string
	FoundInDylib string
}

func (s CacheLocalSymbol64) String() string {
	if len(s.FoundInDylib) > 0 {
		return fmt.Sprintf("%#09x:\t%s\t%s", s.Value, s.Name, s.FoundInDylib)
	}
	return fmt.Sprintf("%#09x:\t%s", s.Value, s.Name)
}
