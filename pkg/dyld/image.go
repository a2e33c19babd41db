package dyld

import "fmt"

// CacheImage represents a single dylib in the dyld shared cache.
type CacheImage struct {
	Name         string
	Index        int
	Info         CacheImageInfo
	LocalSymbols *CacheLocalSymbolsEntry

	cache *File
}

// LoadAddress returns the image's unslid base address in the cache.
func (i *CacheImage) LoadAddress() uint64 {
	return i.Info.Address
}

// Offset returns the image's file offset in the cache.
func (i *CacheImage) Offset() (uint64, error) {
	return i.cache.GetOffset(i.Info.Address)
}

// Cache returns the cache file the image belongs to.
func (i *CacheImage) Cache() *File {
	return i.cache
}

func (i *CacheImage) String() string {
	return fmt.Sprintf("%#x: %s", i.Info.Address, i.Name)
}
