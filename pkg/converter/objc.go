package converter

import (
	"fmt"
	"math"

	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// objc_image_info flag stamped by the cache builder.
const objcOptimizedByDyld = 1 << 3

const (
	smallMethodListFlag = 0x80000000
	methodSizeMask      = 0xFFFC
)

// extraRegion accumulates objc metadata copied out of other images. When
// anything was materialized it becomes the __EXTRA_OBJC segment.
type extraRegion struct {
	base uint64
	data []byte
}

func (ex *extraRegion) addr() uint64 {
	return ex.base + uint64(len(ex.data))
}

func (ex *extraRegion) align(n int) {
	for len(ex.data)%n != 0 {
		ex.data = append(ex.data, 0)
	}
}

// alloc reserves size zeroed bytes and returns their address and offset.
func (ex *extraRegion) alloc(size, align int) (uint64, int) {
	ex.align(align)
	off := len(ex.data)
	ex.data = append(ex.data, make([]byte, size)...)
	return ex.base + uint64(off), off
}

type objcFixer struct {
	c  *Converter
	ex *extraRegion

	strings     map[uint64]uint64 // foreign string -> materialized copy
	selSlots    map[string]uint64 // selector -> reference slot feeding it
	lists       map[uint64]uint64 // foreign method/property list -> copy
	protos      map[uint64]uint64 // foreign protocol -> copy
	classes     map[uint64]bool
	fixedProtos map[uint64]bool
}

// FixObjC makes the image's objc metadata self contained again. The cache
// builder uniques selectors, class names and protocols into cache-wide
// pools; everything the image references outside itself is copied into an
// appended __EXTRA_OBJC segment and the references are redirected. The
// optimized-by-dyld marker is cleared so the runtime rebuilds its caches.
func (c *Converter) FixObjC() error {
	c.log.Info("fixing objc metadata")

	info := c.findSection("__objc_imageinfo")
	if info == nil {
		c.log.Debug("image has no objc metadata")
		return nil
	}

	flags, err := c.mf.Uint32AtVMAddr(info.Addr + 4)
	if err != nil {
		return err
	}
	if flags&objcOptimizedByDyld != 0 {
		if err := c.mf.PutUint32AtVMAddr(flags&^objcOptimizedByDyld, info.Addr+4); err != nil {
			return err
		}
	}

	var top uint64
	for _, seg := range c.mf.Segments() {
		if seg.SegName == "__LINKEDIT" {
			continue
		}
		if end := seg.Addr + seg.Memsz; end > top {
			top = end
		}
	}

	f := &objcFixer{
		c:           c,
		ex:          &extraRegion{base: roundUp(top, 0x1000)},
		strings:     make(map[uint64]uint64),
		selSlots:    make(map[string]uint64),
		lists:       make(map[uint64]uint64),
		protos:      make(map[uint64]uint64),
		classes:     make(map[uint64]bool),
		fixedProtos: make(map[uint64]bool),
	}

	if err := f.fixSelRefs(); err != nil {
		return err
	}
	for _, name := range []string{"__objc_classlist", "__objc_nlclslist"} {
		if err := f.fixClassList(name); err != nil {
			return err
		}
	}
	for _, name := range []string{"__objc_catlist", "__objc_nlcatlist"} {
		if err := f.fixCategoryList(name); err != nil {
			return err
		}
	}

	if len(f.ex.data) == 0 {
		return nil
	}

	linkedit, err := c.mf.Segment("__LINKEDIT")
	if err != nil {
		return err
	}
	size := roundUp(uint64(len(f.ex.data)), 0x1000)
	f.ex.data = append(f.ex.data, make([]byte, size-uint64(len(f.ex.data)))...)

	seg := &macho.Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Addr:    f.ex.base, Memsz: size,
			Offset: linkedit.Offset + linkedit.Filesz, Filesz: size,
			Maxprot: 3, Prot: 3,
		},
		SegName: "__EXTRA_OBJC",
		Data:    f.ex.data,
	}
	if err := c.mf.InsertSegment(seg); err != nil {
		return err
	}
	c.log.WithField("size", fmt.Sprintf("%#x", size)).Info("added __EXTRA_OBJC segment")
	return nil
}

func (c *Converter) findSection(name string) *macho.Section {
	for _, sec := range c.mf.Sections() {
		if sec.SectName == name {
			return sec
		}
	}
	return nil
}

// fixSelRefs points every selector reference at a selector the output file
// carries, materializing strings the cache builder moved into its merged
// pool.
func (f *objcFixer) fixSelRefs() error {
	for _, sec := range f.c.mf.Sections() {
		if sec.SectName != "__objc_selrefs" {
			continue
		}
		for off := uint64(0); off+8 <= sec.Size; off += 8 {
			slot := sec.Addr + off
			ptr, err := f.c.mf.Uint64AtVMAddr(slot)
			if err != nil {
				return err
			}
			if ptr == 0 {
				continue
			}
			sel, err := f.c.cache.GetCString(ptr)
			if err != nil {
				return errors.Wrapf(ErrDanglingObjCReference, "selref %#x points at unmapped %#x", slot, ptr)
			}
			if !f.c.imageContains(ptr) {
				addr, err := f.internString(ptr)
				if err != nil {
					return errors.Wrapf(err, "selref %#x", slot)
				}
				if err := f.c.mf.PutUint64AtVMAddr(addr, slot); err != nil {
					return err
				}
				f.c.log.WithField("slot", fmt.Sprintf("%#x", slot)).Debugf("rehomed selector %q", sel)
			}
			if _, ok := f.selSlots[sel]; !ok {
				f.selSlots[sel] = slot
			}
		}
	}
	return nil
}

func (f *objcFixer) fixClassList(name string) error {
	sec := f.c.findSection(name)
	if sec == nil {
		return nil
	}
	for off := uint64(0); off+8 <= sec.Size; off += 8 {
		ptr, err := f.c.mf.Uint64AtVMAddr(sec.Addr + off)
		if err != nil {
			return err
		}
		if err := f.fixClass(ptr); err != nil {
			return err
		}
	}
	return nil
}

// fixClass repairs an in image class_t. Class objects owned by other
// images stay referenced in place: the loader resolves those through
// binding, not through this image's bytes.
func (f *objcFixer) fixClass(classAddr uint64) error {
	if classAddr == 0 || f.classes[classAddr] {
		return nil
	}
	if !f.c.imageContains(classAddr) {
		f.c.log.WithField("class", fmt.Sprintf("%#x", classAddr)).Debug("class object owned by another image")
		return nil
	}
	f.classes[classAddr] = true

	isa, err := f.c.mf.Uint64AtVMAddr(classAddr)
	if err != nil {
		return err
	}
	dataPtr, err := f.c.mf.Uint64AtVMAddr(classAddr + 0x20)
	if err != nil {
		return err
	}
	// low bits of the data pointer flag Swift classes
	if ro := dataPtr &^ 7; ro != 0 {
		if !f.c.imageContains(ro) {
			f.c.warnf("objc", classAddr, "class data %#x lies outside the image", ro)
		} else if err := f.fixClassRO(ro); err != nil {
			return err
		}
	}
	// the metaclass carries the class methods
	if isa != 0 && f.c.imageContains(isa) {
		return f.fixClass(isa)
	}
	return nil
}

// class_ro_t: four u32 fields, then ivarLayout, name, baseMethods,
// baseProtocols, ivars, weakIvarLayout and baseProperties pointers.
func (f *objcFixer) fixClassRO(ro uint64) error {
	if err := f.fixStringSlot(ro + 0x10); err != nil {
		return err
	}
	if err := f.fixStringSlot(ro + 0x18); err != nil {
		return err
	}
	if err := f.fixMethodListSlot(ro + 0x20); err != nil {
		return err
	}
	if err := f.fixProtocolListSlot(ro + 0x28); err != nil {
		return err
	}
	if err := f.fixIvarListSlot(ro + 0x30); err != nil {
		return err
	}
	if err := f.fixStringSlot(ro + 0x38); err != nil {
		return err
	}
	return f.fixPropertyListSlot(ro + 0x40)
}

// category_t: name, cls, instanceMethods, classMethods, protocols,
// instanceProperties.
func (f *objcFixer) fixCategoryList(name string) error {
	sec := f.c.findSection(name)
	if sec == nil {
		return nil
	}
	for off := uint64(0); off+8 <= sec.Size; off += 8 {
		cat, err := f.c.mf.Uint64AtVMAddr(sec.Addr + off)
		if err != nil {
			return err
		}
		if cat == 0 {
			continue
		}
		if !f.c.imageContains(cat) {
			f.c.log.WithField("category", fmt.Sprintf("%#x", cat)).Debug("category owned by another image")
			continue
		}
		if err := f.fixStringSlot(cat); err != nil {
			return err
		}
		cls, err := f.c.mf.Uint64AtVMAddr(cat + 8)
		if err != nil {
			return err
		}
		if cls != 0 && !f.c.imageContains(cls) {
			f.c.log.WithField("category", fmt.Sprintf("%#x", cat)).Debugf("extends class %#x in another image", cls)
		}
		if err := f.fixMethodListSlot(cat + 0x10); err != nil {
			return err
		}
		if err := f.fixMethodListSlot(cat + 0x18); err != nil {
			return err
		}
		if err := f.fixProtocolListSlot(cat + 0x20); err != nil {
			return err
		}
		if err := f.fixPropertyListSlot(cat + 0x28); err != nil {
			return err
		}
	}
	return nil
}

// internString copies a NUL terminated string out of the cache into the
// extra region, deduplicating by source address.
func (f *objcFixer) internString(src uint64) (uint64, error) {
	if addr, ok := f.strings[src]; ok {
		return addr, nil
	}
	s, err := f.c.cache.GetCString(src)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers string at %#x", src)
	}
	addr := f.ex.addr()
	f.ex.data = append(f.ex.data, s...)
	f.ex.data = append(f.ex.data, 0)
	f.strings[src] = addr
	return addr, nil
}

// fixStringSlot redirects the string pointer at slot into the extra region
// when it points outside the image.
func (f *objcFixer) fixStringSlot(slot uint64) error {
	ptr, err := f.c.mf.Uint64AtVMAddr(slot)
	if err != nil {
		return err
	}
	if ptr == 0 || f.c.imageContains(ptr) {
		return nil
	}
	addr, err := f.internString(ptr)
	if err != nil {
		return err
	}
	return f.c.mf.PutUint64AtVMAddr(addr, slot)
}

// relocPtr keeps in image string pointers and materializes foreign ones.
func (f *objcFixer) relocPtr(ptr uint64) (uint64, error) {
	if ptr == 0 || f.c.imageContains(ptr) {
		return ptr, nil
	}
	return f.internString(ptr)
}

// selSlot returns a pointer slot holding the given selector, preferring
// the image's own selector references and minting one in the extra region
// otherwise.
func (f *objcFixer) selSlot(selAddr uint64) (uint64, error) {
	sel, err := f.c.cache.GetCString(selAddr)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers selector at %#x", selAddr)
	}
	if slot, ok := f.selSlots[sel]; ok {
		return slot, nil
	}
	strAddr, err := f.relocPtr(selAddr)
	if err != nil {
		return 0, err
	}
	slot, off := f.ex.alloc(8, 8)
	f.c.mf.ByteOrder.PutUint64(f.ex.data[off:], strAddr)
	f.selSlots[sel] = slot
	return slot, nil
}

func (f *objcFixer) foreignU32(addr uint64) (uint32, error) {
	data, err := f.c.cache.ReadBytesForVMAddress(addr, 4)
	if err != nil {
		return 0, err
	}
	return f.c.mf.ByteOrder.Uint32(data), nil
}

// rel32 encodes target as a self relative 32 bit offset from field.
func rel32(target, field uint64) (uint32, bool) {
	delta := int64(target) - int64(field)
	if delta < math.MinInt32 || delta > math.MaxInt32 {
		return 0, false
	}
	return uint32(int32(delta)), true
}

func (f *objcFixer) fixMethodListSlot(slot uint64) error {
	ptr, err := f.c.mf.Uint64AtVMAddr(slot)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	if f.c.imageContains(ptr) {
		return f.fixMethodList(ptr)
	}
	addr, err := f.internMethodList(ptr)
	if err != nil {
		return err
	}
	return f.c.mf.PutUint64AtVMAddr(addr, slot)
}

// fixMethodList repairs a method_list_t the image owns. Entries are either
// 24 byte pointer triples or 12 byte self relative triples.
func (f *objcFixer) fixMethodList(list uint64) error {
	entsizeAndFlags, err := f.c.mf.Uint32AtVMAddr(list)
	if err != nil {
		return err
	}
	count, err := f.c.mf.Uint32AtVMAddr(list + 4)
	if err != nil {
		return err
	}
	entsize := uint64(entsizeAndFlags & methodSizeMask)

	if entsizeAndFlags&smallMethodListFlag != 0 {
		if entsize != 12 {
			f.c.warnf("objc", list, "unexpected small method entry size %d", entsize)
			return nil
		}
		for i := uint64(0); i < uint64(count); i++ {
			if err := f.fixSmallMethod(list + 8 + i*12); err != nil {
				return err
			}
		}
		return nil
	}

	if entsize != 24 {
		f.c.warnf("objc", list, "unexpected method entry size %d", entsize)
		return nil
	}
	for i := uint64(0); i < uint64(count); i++ {
		entry := list + 8 + i*24
		if err := f.fixStringSlot(entry); err != nil {
			return err
		}
		if err := f.fixStringSlot(entry + 8); err != nil {
			return err
		}
		imp, err := f.c.mf.Uint64AtVMAddr(entry + 16)
		if err != nil {
			return err
		}
		if imp != 0 && !f.c.imageContains(imp) {
			f.c.log.WithField("entry", fmt.Sprintf("%#x", entry)).Debugf("method imp %#x lies outside the image", imp)
		}
	}
	return nil
}

// fixSmallMethod rewrites one relative method entry. Its name field is
// doubly indirect: the offset lands on a selector reference slot, not on
// the selector itself.
func (f *objcFixer) fixSmallMethod(entry uint64) error {
	nameOff, err := f.c.mf.Uint32AtVMAddr(entry)
	if err != nil {
		return err
	}
	refSlot := uint64(int64(entry) + int64(int32(nameOff)))
	if !f.c.imageContains(refSlot) {
		selAddr, err := f.c.pointerAt(refSlot)
		if err != nil {
			return errors.Wrapf(ErrDanglingObjCReference, "method %#x selector slot %#x unmapped", entry, refSlot)
		}
		slot, err := f.selSlot(selAddr)
		if err != nil {
			return errors.Wrapf(err, "method %#x", entry)
		}
		rel, ok := rel32(slot, entry)
		if !ok {
			f.c.warnf("objc", entry, "selector slot %#x beyond relative range", slot)
		} else if err := f.c.mf.PutUint32AtVMAddr(rel, entry); err != nil {
			return err
		}
	}

	typesOff, err := f.c.mf.Uint32AtVMAddr(entry + 4)
	if err != nil {
		return err
	}
	typesAddr := uint64(int64(entry+4) + int64(int32(typesOff)))
	if typesOff != 0 && !f.c.imageContains(typesAddr) {
		addr, err := f.internString(typesAddr)
		if err != nil {
			return errors.Wrapf(err, "method %#x types", entry)
		}
		rel, ok := rel32(addr, entry+4)
		if !ok {
			f.c.warnf("objc", entry, "type string %#x beyond relative range", addr)
		} else if err := f.c.mf.PutUint32AtVMAddr(rel, entry+4); err != nil {
			return err
		}
	}

	impOff, err := f.c.mf.Uint32AtVMAddr(entry + 8)
	if err != nil {
		return err
	}
	if imp := uint64(int64(entry+8) + int64(int32(impOff))); impOff != 0 && !f.c.imageContains(imp) {
		f.c.log.WithField("entry", fmt.Sprintf("%#x", entry)).Debugf("method imp %#x lies outside the image", imp)
	}
	return nil
}

// internMethodList copies a method list out of another image. Relative
// entries are re-encoded against the copy's location.
func (f *objcFixer) internMethodList(src uint64) (uint64, error) {
	if addr, ok := f.lists[src]; ok {
		return addr, nil
	}
	header, err := f.c.cache.ReadBytesForVMAddress(src, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers method list at %#x", src)
	}
	entsizeAndFlags := f.c.mf.ByteOrder.Uint32(header)
	count := uint64(f.c.mf.ByteOrder.Uint32(header[4:]))
	small := entsizeAndFlags&smallMethodListFlag != 0
	entsize := uint64(entsizeAndFlags & methodSizeMask)
	if (small && entsize != 12) || (!small && entsize != 24) {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "method list at %#x has entry size %d", src, entsize)
	}

	addr, off := f.ex.alloc(int(8+count*entsize), 8)
	f.lists[src] = addr
	copy(f.ex.data[off:], header)

	for i := uint64(0); i < count; i++ {
		srcEntry := src + 8 + i*entsize
		dstAddr := addr + 8 + i*entsize
		dstOff := off + int(8+i*entsize)
		if small {
			if err := f.internSmallMethod(srcEntry, dstAddr, dstOff); err != nil {
				return 0, err
			}
			continue
		}
		namePtr, err := f.c.pointerAt(srcEntry)
		if err != nil {
			return 0, err
		}
		typesPtr, err := f.c.pointerAt(srcEntry + 8)
		if err != nil {
			return 0, err
		}
		impPtr, err := f.c.pointerAt(srcEntry + 16)
		if err != nil {
			return 0, err
		}
		if namePtr, err = f.relocPtr(namePtr); err != nil {
			return 0, err
		}
		if typesPtr, err = f.relocPtr(typesPtr); err != nil {
			return 0, err
		}
		if impPtr != 0 && !f.c.imageContains(impPtr) {
			f.c.log.WithField("entry", fmt.Sprintf("%#x", srcEntry)).Debugf("copied method imp %#x stays foreign", impPtr)
		}
		f.c.mf.ByteOrder.PutUint64(f.ex.data[dstOff:], namePtr)
		f.c.mf.ByteOrder.PutUint64(f.ex.data[dstOff+8:], typesPtr)
		f.c.mf.ByteOrder.PutUint64(f.ex.data[dstOff+16:], impPtr)
	}
	return addr, nil
}

func (f *objcFixer) internSmallMethod(srcEntry, dstAddr uint64, dstOff int) error {
	nameOff, err := f.foreignU32(srcEntry)
	if err != nil {
		return err
	}
	refSlot := uint64(int64(srcEntry) + int64(int32(nameOff)))
	selAddr, err := f.c.pointerAt(refSlot)
	if err != nil {
		return errors.Wrapf(ErrDanglingObjCReference, "method %#x selector slot %#x unmapped", srcEntry, refSlot)
	}
	slot, err := f.selSlot(selAddr)
	if err != nil {
		return err
	}

	typesOff, err := f.foreignU32(srcEntry + 4)
	if err != nil {
		return err
	}
	typesAddr := uint64(int64(srcEntry+4) + int64(int32(typesOff)))
	if typesOff != 0 {
		if typesAddr, err = f.relocPtr(typesAddr); err != nil {
			return err
		}
	}

	impOff, err := f.foreignU32(srcEntry + 8)
	if err != nil {
		return err
	}
	imp := uint64(int64(srcEntry+8) + int64(int32(impOff)))

	// writes go last: interning above may have grown the region
	if rel, ok := rel32(slot, dstAddr); ok {
		f.c.mf.ByteOrder.PutUint32(f.ex.data[dstOff:], rel)
	} else {
		f.c.warnf("objc", dstAddr, "selector slot %#x beyond relative range", slot)
	}
	if typesOff != 0 {
		if rel, ok := rel32(typesAddr, dstAddr+4); ok {
			f.c.mf.ByteOrder.PutUint32(f.ex.data[dstOff+4:], rel)
		} else {
			f.c.warnf("objc", dstAddr, "type string %#x beyond relative range", typesAddr)
		}
	}
	if impOff != 0 {
		if rel, ok := rel32(imp, dstAddr+8); ok {
			f.c.mf.ByteOrder.PutUint32(f.ex.data[dstOff+8:], rel)
		} else {
			f.c.warnf("objc", dstAddr, "imp %#x beyond relative range", imp)
		}
	}
	return nil
}

func (f *objcFixer) fixProtocolListSlot(slot uint64) error {
	ptr, err := f.c.mf.Uint64AtVMAddr(slot)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	if f.c.imageContains(ptr) {
		return f.fixProtocolList(ptr)
	}
	addr, err := f.internProtocolList(ptr)
	if err != nil {
		return err
	}
	return f.c.mf.PutUint64AtVMAddr(addr, slot)
}

// protocol_list_t: u64 count then protocol pointers.
func (f *objcFixer) fixProtocolList(list uint64) error {
	count, err := f.c.mf.Uint64AtVMAddr(list)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		entry := list + 8 + i*8
		ptr, err := f.c.mf.Uint64AtVMAddr(entry)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		if f.c.imageContains(ptr) {
			if err := f.fixProtocol(ptr); err != nil {
				return err
			}
			continue
		}
		addr, err := f.internProtocol(ptr)
		if err != nil {
			return err
		}
		if err := f.c.mf.PutUint64AtVMAddr(addr, entry); err != nil {
			return err
		}
	}
	return nil
}

// protocol_t: isa, name, protocols, instanceMethods, classMethods,
// optionalInstanceMethods, optionalClassMethods, instanceProperties, then
// u32 size and flags.
func (f *objcFixer) fixProtocol(p uint64) error {
	if f.fixedProtos[p] {
		return nil
	}
	f.fixedProtos[p] = true
	if err := f.fixStringSlot(p + 8); err != nil {
		return err
	}
	if err := f.fixProtocolListSlot(p + 0x10); err != nil {
		return err
	}
	for _, off := range []uint64{0x18, 0x20, 0x28, 0x30} {
		if err := f.fixMethodListSlot(p + off); err != nil {
			return err
		}
	}
	return f.fixPropertyListSlot(p + 0x38)
}

// internProtocol copies a protocol another image owns. The runtime unifies
// protocols by name at load time, so a self contained copy is enough.
func (f *objcFixer) internProtocol(src uint64) (uint64, error) {
	if addr, ok := f.protos[src]; ok {
		return addr, nil
	}
	size, err := f.foreignU32(src + 0x40)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers protocol at %#x", src)
	}
	if size < 0x48 {
		size = 0x48
	}
	if size > 0x80 {
		size = 0x80
	}
	flags, err := f.foreignU32(src + 0x44)
	if err != nil {
		return 0, err
	}

	addr, off := f.ex.alloc(int(size), 8)
	// reserve the slot first, protocol graphs can cycle
	f.protos[src] = addr

	namePtr, err := f.c.pointerAt(src + 8)
	if err != nil {
		return 0, err
	}
	if namePtr, err = f.relocPtr(namePtr); err != nil {
		return 0, err
	}

	var protoList uint64
	if ptr, err := f.c.pointerAt(src + 0x10); err == nil && ptr != 0 {
		if f.c.imageContains(ptr) {
			protoList = ptr
		} else if protoList, err = f.internProtocolList(ptr); err != nil {
			return 0, err
		}
	}

	var methodLists [4]uint64
	for i, fieldOff := range []uint64{0x18, 0x20, 0x28, 0x30} {
		ptr, err := f.c.pointerAt(src + fieldOff)
		if err != nil || ptr == 0 {
			continue
		}
		if f.c.imageContains(ptr) {
			methodLists[i] = ptr
			continue
		}
		if methodLists[i], err = f.internMethodList(ptr); err != nil {
			return 0, err
		}
	}

	var props uint64
	if ptr, err := f.c.pointerAt(src + 0x38); err == nil && ptr != 0 {
		if f.c.imageContains(ptr) {
			props = ptr
		} else if props, err = f.internPropertyList(ptr); err != nil {
			return 0, err
		}
	}

	var demangled uint64
	if size >= 0x58 {
		if ptr, err := f.c.pointerAt(src + 0x50); err == nil && ptr != 0 {
			if demangled, err = f.relocPtr(ptr); err != nil {
				return 0, err
			}
		}
	}

	order := f.c.mf.ByteOrder
	order.PutUint64(f.ex.data[off+0x08:], namePtr)
	order.PutUint64(f.ex.data[off+0x10:], protoList)
	for i, list := range methodLists {
		order.PutUint64(f.ex.data[off+0x18+i*8:], list)
	}
	order.PutUint64(f.ex.data[off+0x38:], props)
	order.PutUint32(f.ex.data[off+0x40:], size)
	order.PutUint32(f.ex.data[off+0x44:], flags)
	if size >= 0x58 {
		order.PutUint64(f.ex.data[off+0x50:], demangled)
	}
	return addr, nil
}

// internProtocolList copies a protocol_list_t, pulling in every protocol
// the image does not already carry.
func (f *objcFixer) internProtocolList(src uint64) (uint64, error) {
	if addr, ok := f.lists[src]; ok {
		return addr, nil
	}
	countData, err := f.c.cache.ReadBytesForVMAddress(src, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers protocol list at %#x", src)
	}
	count := f.c.mf.ByteOrder.Uint64(countData)
	addr, off := f.ex.alloc(int(8+count*8), 8)
	f.lists[src] = addr
	f.c.mf.ByteOrder.PutUint64(f.ex.data[off:], count)

	for i := uint64(0); i < count; i++ {
		ptr, err := f.c.pointerAt(src + 8 + i*8)
		if err != nil {
			return 0, err
		}
		if ptr != 0 && !f.c.imageContains(ptr) {
			if ptr, err = f.internProtocol(ptr); err != nil {
				return 0, err
			}
		}
		f.c.mf.ByteOrder.PutUint64(f.ex.data[off+int(8+i*8):], ptr)
	}
	return addr, nil
}

func (f *objcFixer) fixPropertyListSlot(slot uint64) error {
	ptr, err := f.c.mf.Uint64AtVMAddr(slot)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	if f.c.imageContains(ptr) {
		return f.fixPropertyList(ptr)
	}
	addr, err := f.internPropertyList(ptr)
	if err != nil {
		return err
	}
	return f.c.mf.PutUint64AtVMAddr(addr, slot)
}

// property_list_t: u32 entsize, u32 count; entries are name and attribute
// string pointers.
func (f *objcFixer) fixPropertyList(list uint64) error {
	entsize, err := f.c.mf.Uint32AtVMAddr(list)
	if err != nil {
		return err
	}
	if entsize != 16 {
		f.c.warnf("objc", list, "unexpected property entry size %d", entsize)
		return nil
	}
	count, err := f.c.mf.Uint32AtVMAddr(list + 4)
	if err != nil {
		return err
	}
	for i := uint64(0); i < uint64(count); i++ {
		entry := list + 8 + i*16
		if err := f.fixStringSlot(entry); err != nil {
			return err
		}
		if err := f.fixStringSlot(entry + 8); err != nil {
			return err
		}
	}
	return nil
}

func (f *objcFixer) internPropertyList(src uint64) (uint64, error) {
	if addr, ok := f.lists[src]; ok {
		return addr, nil
	}
	header, err := f.c.cache.ReadBytesForVMAddress(src, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "no mapping covers property list at %#x", src)
	}
	entsize := f.c.mf.ByteOrder.Uint32(header)
	count := uint64(f.c.mf.ByteOrder.Uint32(header[4:]))
	if entsize != 16 {
		return 0, errors.Wrapf(ErrDanglingObjCReference, "property list at %#x has entry size %d", src, entsize)
	}
	addr, off := f.ex.alloc(int(8+count*16), 8)
	f.lists[src] = addr
	copy(f.ex.data[off:], header)

	for i := uint64(0); i < count; i++ {
		namePtr, err := f.c.pointerAt(src + 8 + i*16)
		if err != nil {
			return 0, err
		}
		attrPtr, err := f.c.pointerAt(src + 8 + i*16 + 8)
		if err != nil {
			return 0, err
		}
		if namePtr, err = f.relocPtr(namePtr); err != nil {
			return 0, err
		}
		if attrPtr, err = f.relocPtr(attrPtr); err != nil {
			return 0, err
		}
		f.c.mf.ByteOrder.PutUint64(f.ex.data[off+int(8+i*16):], namePtr)
		f.c.mf.ByteOrder.PutUint64(f.ex.data[off+int(8+i*16+8):], attrPtr)
	}
	return addr, nil
}

func (f *objcFixer) fixIvarListSlot(slot uint64) error {
	ptr, err := f.c.mf.Uint64AtVMAddr(slot)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	if !f.c.imageContains(ptr) {
		f.c.warnf("objc", slot, "ivar list %#x lies outside the image", ptr)
		return nil
	}
	return f.fixIvarList(ptr)
}

// ivar_list_t entries: offset pointer, name, type, u32 alignment, u32 size.
func (f *objcFixer) fixIvarList(list uint64) error {
	entsize, err := f.c.mf.Uint32AtVMAddr(list)
	if err != nil {
		return err
	}
	if entsize != 32 {
		f.c.warnf("objc", list, "unexpected ivar entry size %d", entsize)
		return nil
	}
	count, err := f.c.mf.Uint32AtVMAddr(list + 4)
	if err != nil {
		return err
	}
	for i := uint64(0); i < uint64(count); i++ {
		entry := list + 8 + i*32
		if err := f.fixStringSlot(entry + 8); err != nil {
			return err
		}
		if err := f.fixStringSlot(entry + 16); err != nil {
			return err
		}
	}
	return nil
}
