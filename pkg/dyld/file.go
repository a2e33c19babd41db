package dyld

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/go-macho/types"
)

// Strings longer than this are considered malformed.
const maxCStringSize = 4096

var (
	// ErrAddressNotMapped is returned when an address or file offset is not
	// covered by any cache mapping.
	ErrAddressNotMapped = errors.New("address not mapped by cache")
	// ErrImageNotFound is returned when no image matches a lookup.
	ErrImageNotFound = errors.New("image not found in cache")
	// ErrNoLocalSymbols is returned when the cache carries no unmapped local
	// symbols region, or an image has no entry in it.
	ErrNoLocalSymbols = errors.New("cache has no local symbols")
	// ErrUnsupportedSlideFormat is returned when a mapping's slide info
	// version is outside the supported set.
	ErrUnsupportedSlideFormat = errors.New("unsupported slide info format")
	// ErrSplitCacheUnsupported is returned for caches split across multiple
	// subcache files.
	ErrSplitCacheUnsupported = errors.New("split shared caches are not supported")
)

type localSymbolInfo struct {
	CacheLocalSymbolsInfo
	NListFileOffset   uint64
	NListByteSize     uint32
	StringsFileOffset uint64
}

// A File represents an open dyld shared cache file.
type File struct {
	CacheHeader
	ByteOrder binary.ByteOrder

	Mappings          []*CacheMapping
	MappingsWithSlide []*CacheMappingWithSlideInfo
	Images            []*CacheImage

	BranchPools  []uint64
	LocalSymInfo localSymbolInfo

	r      io.ReaderAt
	closer io.Closer
}

// FormatError is returned by some functions if the data does
// not have the proper format.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Open opens the named file using os.Open and prepares it for use as a dyld
// shared cache.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a dyld shared cache in an
// underlying reader. The cache is expected to start at position 0 in the
// ReaderAt.
func NewFile(r io.ReaderAt) (*File, error) {
	f := new(File)
	f.r = r
	f.ByteOrder = binary.LittleEndian

	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if err := f.parseMappings(); err != nil {
		return nil, err
	}
	if err := f.parseImages(); err != nil {
		return nil, err
	}
	if err := f.parseSlideInfo(); err != nil {
		return nil, err
	}
	if err := f.parseBranchPools(); err != nil {
		return nil, err
	}
	if err := f.parseLocalSyms(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) parseHeader() error {
	var mg magic
	if _, err := f.r.ReadAt(mg[:], 0); err != nil {
		return fmt.Errorf("failed to read dyld shared cache magic: %v", err)
	}
	if !utils.StrSliceContains(knownMagic, mg.String()) {
		return &FormatError{0, "invalid magic", mg.String()}
	}

	mo := make([]byte, 4)
	if _, err := f.r.ReadAt(mo, 16); err != nil {
		return fmt.Errorf("failed to read mapping offset: %v", err)
	}
	mappingOffset := f.ByteOrder.Uint32(mo)

	// Older caches carry a shorter header that ends where the mappings begin.
	// Read what is there and let the missing tail parse as zeros.
	hdr := make([]byte, binary.Size(f.CacheHeader))
	hdrSize := uint32(len(hdr))
	if mappingOffset < hdrSize {
		hdrSize = mappingOffset
	}
	if _, err := f.r.ReadAt(hdr[:hdrSize], 0); err != nil {
		return fmt.Errorf("failed to read dyld shared cache header: %v", err)
	}
	if err := binary.Read(bytes.NewReader(hdr), f.ByteOrder, &f.CacheHeader); err != nil {
		return fmt.Errorf("failed to parse dyld shared cache header: %v", err)
	}

	if f.MappingCount == 0 {
		return &FormatError{16, "cache has no mappings", nil}
	}
	if f.SubCacheArrayCount > 0 {
		return fmt.Errorf("%w: cache references %d subcache files", ErrSplitCacheUnsupported, f.SubCacheArrayCount)
	}

	return nil
}

func (f *File) parseMappings() error {
	sr := io.NewSectionReader(f.r, int64(f.MappingOffset), int64(f.MappingCount)*int64(binary.Size(CacheMappingInfo{})))
	for i := uint32(0); i != f.MappingCount; i++ {
		mapping := &CacheMapping{}
		if err := binary.Read(sr, f.ByteOrder, &mapping.CacheMappingInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_mapping_info: %v", err)
		}
		if mapping.InitProt.Execute() {
			mapping.Name = "__TEXT"
		} else if mapping.InitProt.Write() {
			mapping.Name = "__DATA"
		} else if mapping.InitProt.Read() {
			mapping.Name = "__LINKEDIT"
		}
		f.Mappings = append(f.Mappings, mapping)
	}

	if f.MappingWithSlideOffset > 0 {
		sr := io.NewSectionReader(f.r, int64(f.MappingWithSlideOffset), int64(f.MappingWithSlideCount)*int64(binary.Size(CacheMappingAndSlideInfo{})))
		for i := uint32(0); i != f.MappingWithSlideCount; i++ {
			mapping := &CacheMappingWithSlideInfo{}
			if err := binary.Read(sr, f.ByteOrder, &mapping.CacheMappingAndSlideInfo); err != nil {
				return fmt.Errorf("failed to read dyld_cache_mapping_and_slide_info: %v", err)
			}
			if mapping.MaxProt.Execute() {
				mapping.Name = "__TEXT"
			} else if mapping.MaxProt.Write() {
				if mapping.Flags.IsAuthData() {
					mapping.Name = "__AUTH"
				} else {
					mapping.Name = "__DATA"
				}
				if mapping.Flags.IsDirtyData() {
					mapping.Name += "_DIRTY"
				} else if mapping.Flags.IsConstData() {
					mapping.Name += "_CONST"
				}
			} else if mapping.MaxProt.Read() {
				mapping.Name = "__LINKEDIT"
			}
			f.MappingsWithSlide = append(f.MappingsWithSlide, mapping)
		}
		return nil
	}

	// Older caches only describe plain mappings. Mirror them so the rest of
	// the package has a single mapping view, attaching the legacy global
	// slide info region to the writable mapping.
	for _, mapping := range f.Mappings {
		m := &CacheMappingWithSlideInfo{
			Name: mapping.Name,
			CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
				Address:    mapping.Address,
				Size:       mapping.Size,
				FileOffset: mapping.FileOffset,
				MaxProt:    mapping.MaxProt,
				InitProt:   mapping.InitProt,
			},
		}
		if f.SlideInfoOffsetUnused > 0 && mapping.InitProt.Write() {
			m.SlideInfoOffset = f.SlideInfoOffsetUnused
			m.SlideInfoSize = f.SlideInfoSizeUnused
		}
		f.MappingsWithSlide = append(f.MappingsWithSlide, m)
	}

	return nil
}

func (f *File) parseImages() error {
	imagesOffset := f.ImagesOffset
	imagesCount := f.ImagesCount
	if imagesOffset == 0 {
		imagesOffset = f.ImagesOffsetOld
		imagesCount = f.ImagesCountOld
	}
	if imagesCount == 0 {
		return &FormatError{int64(imagesOffset), "cache has no images", nil}
	}

	sr := io.NewSectionReader(f.r, 0, 1<<63-1)

	if _, err := sr.Seek(int64(imagesOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to image infos: %v", err)
	}
	for i := uint32(0); i != imagesCount; i++ {
		image := &CacheImage{Index: int(i), cache: f}
		if err := binary.Read(sr, f.ByteOrder, &image.Info); err != nil {
			return fmt.Errorf("failed to read dyld_cache_image_info: %v", err)
		}
		f.Images = append(f.Images, image)
	}

	for idx, image := range f.Images {
		if _, err := sr.Seek(int64(image.Info.PathFileOffset), io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to image path: %v", err)
		}
		r := bufio.NewReader(sr)
		name, err := r.ReadString(byte(0))
		if err != nil {
			return &FormatError{int64(image.Info.PathFileOffset), "failed to read image path", err}
		}
		f.Images[idx].Name = strings.Trim(name, "\x00")
	}

	return nil
}

func (f *File) parseSlideInfo() error {
	for _, mapping := range f.MappingsWithSlide {
		if mapping.SlideInfoSize == 0 {
			continue
		}
		if err := f.parseMappingSlideInfo(mapping); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) parseMappingSlideInfo(mapping *CacheMappingWithSlideInfo) error {
	sr := io.NewSectionReader(f.r, int64(mapping.SlideInfoOffset), int64(mapping.SlideInfoSize))

	var version uint32
	if err := binary.Read(sr, f.ByteOrder, &version); err != nil {
		return fmt.Errorf("failed to read slide info version: %v", err)
	}
	if _, err := sr.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch version {
	case 1:
		var slideInfo CacheSlideInfo
		if err := binary.Read(sr, f.ByteOrder, &slideInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_slide_info: %v", err)
		}
		mapping.SlideInfo = slideInfo
		if _, err := sr.Seek(int64(slideInfo.TocOffset), io.SeekStart); err != nil {
			return err
		}
		mapping.Toc = make([]uint16, slideInfo.TocCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.Toc); err != nil {
			return fmt.Errorf("failed to read slide info toc: %v", err)
		}
		mapping.Bitmaps = make([][]byte, slideInfo.EntriesCount)
		for i := uint32(0); i != slideInfo.EntriesCount; i++ {
			entry := make([]byte, slideInfo.EntriesSize)
			if _, err := sr.ReadAt(entry, int64(slideInfo.EntriesOffset)+int64(i)*int64(slideInfo.EntriesSize)); err != nil {
				return fmt.Errorf("failed to read slide info entry %d: %v", i, err)
			}
			mapping.Bitmaps[i] = entry
		}
	case 2:
		var slideInfo CacheSlideInfo2
		if err := binary.Read(sr, f.ByteOrder, &slideInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_slide_info2: %v", err)
		}
		mapping.SlideInfo = slideInfo
		if _, err := sr.Seek(int64(slideInfo.PageStartsOffset), io.SeekStart); err != nil {
			return err
		}
		mapping.PageStarts = make([]uint16, slideInfo.PageStartsCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageStarts); err != nil {
			return fmt.Errorf("failed to read slide info page starts: %v", err)
		}
		if _, err := sr.Seek(int64(slideInfo.PageExtrasOffset), io.SeekStart); err != nil {
			return err
		}
		mapping.PageExtras = make([]uint16, slideInfo.PageExtrasCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageExtras); err != nil {
			return fmt.Errorf("failed to read slide info page extras: %v", err)
		}
	case 3:
		var slideInfo CacheSlideInfo3
		if err := binary.Read(sr, f.ByteOrder, &slideInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_slide_info3: %v", err)
		}
		mapping.SlideInfo = slideInfo
		mapping.PageStarts = make([]uint16, slideInfo.PageStartsCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageStarts); err != nil {
			return fmt.Errorf("failed to read slide info page starts: %v", err)
		}
	case 4:
		var slideInfo CacheSlideInfo4
		if err := binary.Read(sr, f.ByteOrder, &slideInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_slide_info4: %v", err)
		}
		mapping.SlideInfo = slideInfo
		if _, err := sr.Seek(int64(slideInfo.PageStartsOffset), io.SeekStart); err != nil {
			return err
		}
		mapping.PageStarts = make([]uint16, slideInfo.PageStartsCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageStarts); err != nil {
			return fmt.Errorf("failed to read slide info page starts: %v", err)
		}
		if _, err := sr.Seek(int64(slideInfo.PageExtrasOffset), io.SeekStart); err != nil {
			return err
		}
		mapping.PageExtras = make([]uint16, slideInfo.PageExtrasCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageExtras); err != nil {
			return fmt.Errorf("failed to read slide info page extras: %v", err)
		}
	case 5:
		var slideInfo CacheSlideInfo5
		if err := binary.Read(sr, f.ByteOrder, &slideInfo); err != nil {
			return fmt.Errorf("failed to read dyld_cache_slide_info5: %v", err)
		}
		mapping.SlideInfo = slideInfo
		mapping.PageStarts = make([]uint16, slideInfo.PageStartsCount)
		if err := binary.Read(sr, f.ByteOrder, mapping.PageStarts); err != nil {
			return fmt.Errorf("failed to read slide info page starts: %v", err)
		}
	default:
		return fmt.Errorf("%w: version %d", ErrUnsupportedSlideFormat, version)
	}

	return nil
}

func (f *File) parseBranchPools() error {
	if f.BranchPoolsOffset == 0 || f.BranchPoolsCount == 0 {
		return nil
	}
	sr := io.NewSectionReader(f.r, int64(f.BranchPoolsOffset), int64(f.BranchPoolsCount)*8)
	f.BranchPools = make([]uint64, f.BranchPoolsCount)
	if err := binary.Read(sr, f.ByteOrder, f.BranchPools); err != nil {
		return fmt.Errorf("failed to read branch pool addresses: %v", err)
	}
	return nil
}

func (f *File) parseLocalSyms() error {
	if f.LocalSymbolsOffset == 0 {
		return nil
	}

	sr := io.NewSectionReader(f.r, 0, 1<<63-1)

	if _, err := sr.Seek(int64(f.LocalSymbolsOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to local symbols info: %v", err)
	}
	if err := binary.Read(sr, f.ByteOrder, &f.LocalSymInfo.CacheLocalSymbolsInfo); err != nil {
		return fmt.Errorf("failed to read dyld_cache_local_symbols_info: %v", err)
	}

	f.LocalSymInfo.NListFileOffset = f.LocalSymbolsOffset + uint64(f.LocalSymInfo.NlistOffset)
	f.LocalSymInfo.NListByteSize = f.LocalSymInfo.NlistCount * 16
	f.LocalSymInfo.StringsFileOffset = f.LocalSymbolsOffset + uint64(f.LocalSymInfo.StringsOffset)

	if f.LocalSymInfo.EntriesCount == 0 {
		return nil
	}

	imageByOffset := make(map[uint32]*CacheImage, len(f.Images))
	for _, image := range f.Images {
		if off, err := f.GetOffset(image.Info.Address); err == nil {
			imageByOffset[uint32(off)] = image
		}
	}

	if _, err := sr.Seek(int64(f.LocalSymbolsOffset)+int64(f.LocalSymInfo.EntriesOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to local symbols entries: %v", err)
	}
	for i := uint32(0); i != f.LocalSymInfo.EntriesCount; i++ {
		var entry CacheLocalSymbolsEntry
		if err := binary.Read(sr, f.ByteOrder, &entry); err != nil {
			return fmt.Errorf("failed to read dyld_cache_local_symbols_entry: %v", err)
		}
		if image, ok := imageByOffset[entry.DylibOffset]; ok {
			image.LocalSymbols = &entry
		} else if int(i) < len(f.Images) {
			// entries historically parallel the image array
			f.Images[i].LocalSymbols = &entry
		}
	}

	return nil
}

// GetOffset returns the file offset of a given unslid virtual address.
func (f *File) GetOffset(address uint64) (uint64, error) {
	for _, mapping := range f.MappingsWithSlide {
		if mapping.Address <= address && address < mapping.Address+mapping.Size {
			return (address - mapping.Address) + mapping.FileOffset, nil
		}
	}
	return 0, fmt.Errorf("%w: %#x", ErrAddressNotMapped, address)
}

// GetVMAddress returns the unslid virtual address of a given file offset.
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, mapping := range f.MappingsWithSlide {
		if mapping.FileOffset <= offset && offset < mapping.FileOffset+mapping.Size {
			return (offset - mapping.FileOffset) + mapping.Address, nil
		}
	}
	return 0, fmt.Errorf("%w: file offset %#x", ErrAddressNotMapped, offset)
}

// GetMappingForVMAddress returns the mapping containing a given virtual
// address.
func (f *File) GetMappingForVMAddress(address uint64) (*CacheMappingWithSlideInfo, error) {
	for _, mapping := range f.MappingsWithSlide {
		if mapping.Address <= address && address < mapping.Address+mapping.Size {
			return mapping, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x", ErrAddressNotMapped, address)
}

// ReaderAt returns the cache's underlying reader for callers that parse
// structures straight out of the file, like the per-image extractors.
func (f *File) ReaderAt() io.ReaderAt {
	return f.r
}

// ReadBytes returns size bytes at the given cache file offset.
func (f *File) ReadBytes(offset int64, size uint64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.r.ReadAt(data, offset); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at offset %#x: %v", size, offset, err)
	}
	return data, nil
}

// ReadBytesForVMAddress returns size bytes at the given unslid virtual
// address.
func (f *File) ReadBytesForVMAddress(address uint64, size uint64) ([]byte, error) {
	offset, err := f.GetOffset(address)
	if err != nil {
		return nil, err
	}
	return f.ReadBytes(int64(offset), size)
}

// ReadPointerForVMAddress returns the raw uint64 stored at the given unslid
// virtual address.
func (f *File) ReadPointerForVMAddress(address uint64) (uint64, error) {
	data, err := f.ReadBytesForVMAddress(address, 8)
	if err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint64(data), nil
}

// GetCStringAtOffset returns a NUL terminated string at the given file offset.
func (f *File) GetCStringAtOffset(strOffset int64) (string, error) {
	csr := bufio.NewReader(io.NewSectionReader(f.r, strOffset, maxCStringSize))
	s, err := csr.ReadString('\x00')
	if err != nil {
		return "", &FormatError{strOffset, "failed to read cstring", err}
	}
	return strings.Trim(s, "\x00"), nil
}

// GetCString returns a NUL terminated string at the given virtual address.
func (f *File) GetCString(strVMAdr uint64) (string, error) {
	strOffset, err := f.GetOffset(strVMAdr)
	if err != nil {
		return "", err
	}
	return f.GetCStringAtOffset(int64(strOffset))
}

// Image returns the image with the given path, falling back to matching on
// base name when no full path matches.
func (f *File) Image(name string) (*CacheImage, error) {
	for _, image := range f.Images {
		if image.Name == name {
			return image, nil
		}
	}
	for _, image := range f.Images {
		if filepath.Base(image.Name) == filepath.Base(name) {
			return image, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrImageNotFound, name)
}

// FindImages returns all images whose path matches the given regular
// expression.
func (f *File) FindImages(pattern string) ([]*CacheImage, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid image pattern %q: %v", pattern, err)
	}
	var images []*CacheImage
	for _, image := range f.Images {
		if re.MatchString(image.Name) {
			images = append(images, image)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no image matches %q", ErrImageNotFound, pattern)
	}
	return images, nil
}

// HasLocalSymbols reports whether the cache carries an unmapped local symbols
// region.
func (f *File) HasLocalSymbols() bool {
	return f.LocalSymbolsOffset != 0 && f.LocalSymInfo.NlistCount != 0
}

// HasSlideInfo reports whether any mapping carries slide info.
func (f *File) HasSlideInfo() bool {
	for _, mapping := range f.MappingsWithSlide {
		if mapping.SlideInfo != nil {
			return true
		}
	}
	return false
}

// ReadLocalNlists reads the raw nlist records belonging to one local symbols
// entry.
func (f *File) ReadLocalNlists(entry *CacheLocalSymbolsEntry) ([]types.Nlist64, error) {
	if !f.HasLocalSymbols() {
		return nil, ErrNoLocalSymbols
	}
	if entry.NlistStartIndex+entry.NlistCount > f.LocalSymInfo.NlistCount {
		return nil, &FormatError{
			int64(f.LocalSymInfo.NListFileOffset),
			"local symbol nlist range out of bounds",
			fmt.Sprintf("start %d, count %d of %d", entry.NlistStartIndex, entry.NlistCount, f.LocalSymInfo.NlistCount),
		}
	}
	sr := io.NewSectionReader(f.r, int64(f.LocalSymInfo.NListFileOffset)+int64(entry.NlistStartIndex)*16, int64(entry.NlistCount)*16)
	nlists := make([]types.Nlist64, entry.NlistCount)
	if err := binary.Read(sr, f.ByteOrder, nlists); err != nil {
		return nil, fmt.Errorf("failed to read local symbol nlists: %v", err)
	}
	return nlists, nil
}

// LocalSymbolString returns the string at the given index into the local
// symbols string pool.
func (f *File) LocalSymbolString(strx uint32) (string, error) {
	if strx >= f.LocalSymInfo.StringsSize {
		return "", &FormatError{
			int64(f.LocalSymInfo.StringsFileOffset),
			"local symbol string index out of bounds",
			strx,
		}
	}
	return f.GetCStringAtOffset(int64(f.LocalSymInfo.StringsFileOffset) + int64(strx))
}

// GetLocalSymbolsForImage returns an image's local symbols with names resolved
// from the string pool. Records with unresolvable names are skipped.
func (f *File) GetLocalSymbolsForImage(image *CacheImage) ([]CacheLocalSymbol64, error) {
	if image.LocalSymbols == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalSymbols, image.Name)
	}
	nlists, err := f.ReadLocalNlists(image.LocalSymbols)
	if err != nil {
		return nil, err
	}
	syms := make([]CacheLocalSymbol64, 0, len(nlists))
	for _, nlist := range nlists {
		name, err := f.LocalSymbolString(nlist.Name)
		if err != nil {
			continue
		}
		syms = append(syms, CacheLocalSymbol64{
			Nlist64:      nlist,
			Name:         name,
			FoundInDylib: image.Name,
		})
	}
	return syms, nil
}
