package converter

import (
	"math/bits"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/pkg/errors"
)

// RebasePointers walks the slide info of every mapping the image touches and
// replaces each slid slot inside the image with its decoded pointer value.
// Raw slot contents are always read from the cache so chain linkage survives
// until the whole walk is done.
func (c *Converter) RebasePointers() error {
	c.log.Info("rebasing pointers")
	for _, mapping := range c.cache.MappingsWithSlide {
		if mapping.SlideInfo == nil || !c.imageOverlaps(mapping) {
			continue
		}
		if err := c.walkMapping(mapping, c.applySlot); err != nil {
			return err
		}
	}
	return nil
}

// RemainingSlots re-walks the image's slide slots and counts those whose
// arena contents still differ from the decoded pointer value.
func (c *Converter) RemainingSlots() (int, error) {
	var remaining int
	for _, mapping := range c.cache.MappingsWithSlide {
		if mapping.SlideInfo == nil || !c.imageOverlaps(mapping) {
			continue
		}
		err := c.walkMapping(mapping, func(addr, value uint64, size int) error {
			if !c.imageContains(addr) {
				return nil
			}
			var current uint64
			if size == 4 {
				v, err := c.mf.Uint32AtVMAddr(addr)
				if err != nil {
					return err
				}
				current = uint64(v)
				value = uint64(uint32(value))
			} else {
				v, err := c.mf.Uint64AtVMAddr(addr)
				if err != nil {
					return err
				}
				current = v
			}
			if current != value {
				remaining++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

func (c *Converter) imageOverlaps(mapping *dyld.CacheMappingWithSlideInfo) bool {
	for _, seg := range c.mf.Segments() {
		if seg.Addr < mapping.Address+mapping.Size && mapping.Address < seg.Addr+seg.Memsz {
			return true
		}
	}
	return false
}

// applySlot writes a decoded pointer into the arena; slots belonging to
// other images are skipped.
func (c *Converter) applySlot(addr, value uint64, size int) error {
	if !c.imageContains(addr) {
		return nil
	}
	if size == 4 {
		return c.mf.PutUint32AtVMAddr(uint32(value), addr)
	}
	return c.mf.PutUint64AtVMAddr(value, addr)
}

// walkMapping visits every rebase slot the mapping's slide info describes,
// passing the slot's address, decoded value and slot size in bytes.
func (c *Converter) walkMapping(mapping *dyld.CacheMappingWithSlideInfo, visit func(addr, value uint64, size int) error) error {
	switch si := mapping.SlideInfo.(type) {
	case dyld.CacheSlideInfo:
		return c.walkBitmapPages(mapping, visit)
	case dyld.CacheSlideInfo2:
		return c.walkDeltaChains(mapping, si.DeltaMask, 8, visit)
	case dyld.CacheSlideInfo4:
		return c.walkDeltaChains(mapping, si.DeltaMask, 4, visit)
	case dyld.CacheSlideInfo3:
		return c.walkPointerChains(mapping, func(raw uint64) uint64 {
			return dyld.CacheSlidePointer3(raw).OffsetToNextPointer()
		}, visit)
	case dyld.CacheSlideInfo5:
		return c.walkPointerChains(mapping, func(raw uint64) uint64 {
			return dyld.CacheSlidePointer5(raw).OffsetToNextPointer()
		}, visit)
	default:
		return errors.Wrapf(dyld.ErrUnsupportedSlideFormat, "version %d", mapping.SlideInfo.GetVersion())
	}
}

// walkBitmapPages handles version 1 slide info: one toc entry per page,
// each selecting a bitmap where every set bit marks a 4-byte slot. Slot
// contents are already final pointers, so decoding is the identity.
func (c *Converter) walkBitmapPages(mapping *dyld.CacheMappingWithSlideInfo, visit func(addr, value uint64, size int) error) error {
	pageSize := uint64(mapping.SlideInfo.GetPageSize())
	for pageIndex, tocEntry := range mapping.Toc {
		if int(tocEntry) >= len(mapping.Bitmaps) {
			return errors.Wrapf(ErrCorruptPointerChain,
				"toc entry %d selects bitmap %d of %d", pageIndex, tocEntry, len(mapping.Bitmaps))
		}
		pageAddr := mapping.Address + uint64(pageIndex)*pageSize
		for byteIndex, bitmap := range mapping.Bitmaps[tocEntry] {
			if bitmap == 0 {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if bitmap&(1<<bit) == 0 {
					continue
				}
				addr := pageAddr + uint64(byteIndex*8+bit)*4
				data, err := c.cache.ReadBytesForVMAddress(addr, 4)
				if err != nil {
					return err
				}
				raw := uint64(c.cache.ByteOrder.Uint32(data))
				if err := visit(addr, mapping.SlideInfo.SlidePointer(raw), 4); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// walkDeltaChains handles versions 2 and 4: each page start opens a chain
// whose step is encoded in the slot value itself under DeltaMask. The delta
// shift leaves the step in bytes.
func (c *Converter) walkDeltaChains(mapping *dyld.CacheMappingWithSlideInfo, deltaMask uint64, ptrSize int, visit func(addr, value uint64, size int) error) error {
	pageSize := uint64(mapping.SlideInfo.GetPageSize())
	deltaShift := uint(bits.TrailingZeros64(deltaMask)) - 2

	for pageIndex, start := range mapping.PageStarts {
		if start&dyld.DyldCacheSlidePageAttrNoRebase != 0 {
			continue
		}
		pageAddr := mapping.Address + uint64(pageIndex)*pageSize
		if start&dyld.DyldCacheSlidePageAttrExtra != 0 {
			for extra := int(start &^ dyld.DyldCacheSlidePageAttrs); ; extra++ {
				if extra >= len(mapping.PageExtras) {
					return errors.Wrapf(ErrCorruptPointerChain,
						"page %#x extras index %d out of %d", pageAddr, extra, len(mapping.PageExtras))
				}
				info := mapping.PageExtras[extra]
				if err := c.walkDeltaChain(mapping, pageAddr, uint64(info&^dyld.DyldCacheSlidePageAttrs)*4, deltaMask, deltaShift, ptrSize, visit); err != nil {
					return err
				}
				if info&dyld.DyldCacheSlidePageAttrEnd != 0 {
					break
				}
			}
			continue
		}
		if err := c.walkDeltaChain(mapping, pageAddr, uint64(start)*4, deltaMask, deltaShift, ptrSize, visit); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) walkDeltaChain(mapping *dyld.CacheMappingWithSlideInfo, pageAddr, offset, deltaMask uint64, deltaShift uint, ptrSize int, visit func(addr, value uint64, size int) error) error {
	pageSize := uint64(mapping.SlideInfo.GetPageSize())
	for {
		if offset >= pageSize {
			return errors.Wrapf(ErrCorruptPointerChain,
				"chain in page %#x stepped to offset %#x past page size %#x", pageAddr, offset, pageSize)
		}
		addr := pageAddr + offset
		var raw uint64
		if ptrSize == 4 {
			data, err := c.cache.ReadBytesForVMAddress(addr, 4)
			if err != nil {
				return err
			}
			raw = uint64(c.cache.ByteOrder.Uint32(data))
		} else {
			var err error
			raw, err = c.cache.ReadPointerForVMAddress(addr)
			if err != nil {
				return err
			}
		}
		if err := visit(addr, mapping.SlideInfo.SlidePointer(raw), ptrSize); err != nil {
			return err
		}
		delta := (raw & deltaMask) >> deltaShift
		if delta == 0 {
			return nil
		}
		offset += delta
	}
}

// walkPointerChains handles versions 3 and 5: chained 64-bit pointers whose
// link to the next slot lives in the pointer's own high bits, with an 8-byte
// stride.
func (c *Converter) walkPointerChains(mapping *dyld.CacheMappingWithSlideInfo, next func(raw uint64) uint64, visit func(addr, value uint64, size int) error) error {
	pageSize := uint64(mapping.SlideInfo.GetPageSize())
	for pageIndex, start := range mapping.PageStarts {
		if start == dyld.DyldCacheSlideV3PageAttrNoRebase {
			continue
		}
		pageAddr := mapping.Address + uint64(pageIndex)*pageSize
		for addr := pageAddr + uint64(start); ; {
			if addr >= pageAddr+pageSize {
				return errors.Wrapf(ErrCorruptPointerChain,
					"chain in page %#x stepped to %#x past page end", pageAddr, addr)
			}
			raw, err := c.cache.ReadPointerForVMAddress(addr)
			if err != nil {
				return err
			}
			if err := visit(addr, mapping.SlideInfo.SlidePointer(raw), 8); err != nil {
				return err
			}
			step := next(raw)
			if step == 0 {
				break
			}
			addr += step * 8
		}
	}
	return nil
}
