package converter

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Indirect symbol table entries that refer to no symbol.
const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

type symbolEntry struct {
	nlist types.Nlist64
	name  string
}

// RebuildLinkedit gathers the image's share of the cache-wide linkedit
// region into a private segment: unredacted locals from the cache's local
// symbols file, the image's own symtab partitions, the export trie and the
// other linkedit payloads, with the indirect symbol table remapped onto the
// merged symbol order.
func (c *Converter) RebuildLinkedit() error {
	c.log.Info("rebuilding linkedit")

	linkedit, err := c.mf.Segment("__LINKEDIT")
	if err != nil {
		return errors.Wrap(err, "image has no linkedit segment")
	}
	if c.mf.Symtab == nil {
		return errors.New("image has no symbol table command")
	}
	symtab := c.mf.Symtab

	oldSyms, oldNames, err := c.readSymtab(symtab)
	if err != nil {
		return err
	}

	// Partition the original table. Images without LC_DYSYMTAB treat every
	// symbol as local.
	var localIdx, extdefIdx, undefIdx []uint32
	covered := make([]bool, symtab.Nsyms)
	takeRange := func(start, count uint32) ([]uint32, error) {
		if uint64(start)+uint64(count) > uint64(symtab.Nsyms) {
			return nil, errors.Wrapf(ErrLinkeditIndexOutOfRange,
				"symbol range [%d,%d) exceeds %d symbols", start, start+count, symtab.Nsyms)
		}
		indexes := make([]uint32, 0, count)
		for i := start; i < start+count; i++ {
			covered[i] = true
			indexes = append(indexes, i)
		}
		return indexes, nil
	}
	if dysymtab := c.mf.Dysymtab; dysymtab != nil {
		if localIdx, err = takeRange(dysymtab.Ilocalsym, dysymtab.Nlocalsym); err != nil {
			return err
		}
		if extdefIdx, err = takeRange(dysymtab.Iextdefsym, dysymtab.Nextdefsym); err != nil {
			return err
		}
		if undefIdx, err = takeRange(dysymtab.Iundefsym, dysymtab.Nundefsym); err != nil {
			return err
		}
		for i := uint32(0); i < symtab.Nsyms; i++ {
			if !covered[i] {
				localIdx = append(localIdx, i)
			}
		}
	} else {
		if localIdx, err = takeRange(0, symtab.Nsyms); err != nil {
			return err
		}
	}

	// The cache builder strips local symbols out of each image's symtab and
	// stashes the real ones in a cache-wide locals file. Pull this image's
	// entries back in ahead of whatever locals survived stripping.
	var recovered []symbolEntry
	locals, err := c.cache.GetLocalSymbolsForImage(c.image)
	switch {
	case err == nil:
		stripped := make(map[string]uint64, len(localIdx))
		for _, idx := range localIdx {
			stripped[oldNames[idx]] = oldSyms[idx].Value
		}
		for _, local := range locals {
			if value, ok := stripped[local.Name]; ok && value == local.Value {
				continue
			}
			recovered = append(recovered, symbolEntry{nlist: local.Nlist64, name: local.Name})
		}
		c.log.WithField("count", len(recovered)).Debug("recovered unredacted locals")
	case errors.Is(err, dyld.ErrNoLocalSymbols):
		c.log.Debug("cache carries no local symbols file")
	default:
		return err
	}

	// Merge into the new order and remember where each original symbol
	// landed so the indirect table can follow.
	newSyms := make([]symbolEntry, 0, len(recovered)+len(oldSyms))
	oldToNew := make(map[uint32]uint32, len(oldSyms))
	newSyms = append(newSyms, recovered...)
	for _, idx := range localIdx {
		oldToNew[idx] = uint32(len(newSyms))
		newSyms = append(newSyms, symbolEntry{nlist: oldSyms[idx], name: oldNames[idx]})
	}
	nlocal := uint32(len(newSyms))
	for _, idx := range extdefIdx {
		oldToNew[idx] = uint32(len(newSyms))
		newSyms = append(newSyms, symbolEntry{nlist: oldSyms[idx], name: oldNames[idx]})
	}
	nextdef := uint32(len(newSyms)) - nlocal
	for _, idx := range undefIdx {
		oldToNew[idx] = uint32(len(newSyms))
		newSyms = append(newSyms, symbolEntry{nlist: oldSyms[idx], name: oldNames[idx]})
	}
	nundef := uint32(len(newSyms)) - nlocal - nextdef

	newIndirect, err := c.remapIndirect(symtab.Nsyms, oldToNew)
	if err != nil {
		return err
	}

	// String pool: index zero stays the empty string, names dedupe.
	var pool bytes.Buffer
	pool.WriteByte(0)
	poolIdx := map[string]uint32{"": 0}
	intern := func(name string) uint32 {
		if off, ok := poolIdx[name]; ok {
			return off
		}
		off := uint32(pool.Len())
		pool.WriteString(name)
		pool.WriteByte(0)
		poolIdx[name] = off
		return off
	}
	for i := range newSyms {
		newSyms[i].nlist.Name = intern(newSyms[i].name)
	}
	for pool.Len()%8 != 0 {
		pool.WriteByte(0)
	}

	// Lay the new linkedit out, every payload 8 byte aligned. File offsets
	// stay relative to the segment's current position; the compaction stage
	// moves them together with the segment.
	var buf bytes.Buffer
	base := uint32(linkedit.Offset)
	align := func() {
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
	}
	place := func(blob []byte) uint32 {
		if len(blob) == 0 {
			return 0
		}
		align()
		rel := uint32(buf.Len())
		buf.Write(blob)
		return base + rel
	}
	copyBlob := func(off, size uint32) (uint32, error) {
		if size == 0 {
			return 0, nil
		}
		data, err := c.cache.ReadBytes(int64(off), uint64(size))
		if err != nil {
			return 0, err
		}
		return place(data), nil
	}

	if di := c.mf.DyldInfo; di != nil {
		if di.RebaseOff, err = copyBlob(di.RebaseOff, di.RebaseSize); err != nil {
			return err
		}
		if di.BindOff, err = copyBlob(di.BindOff, di.BindSize); err != nil {
			return err
		}
		if di.WeakBindOff, err = copyBlob(di.WeakBindOff, di.WeakBindSize); err != nil {
			return err
		}
		if di.LazyBindOff, err = copyBlob(di.LazyBindOff, di.LazyBindSize); err != nil {
			return err
		}
		if di.ExportSize > 0 {
			trie, err := c.cache.ReadBytes(int64(di.ExportOff), uint64(di.ExportSize))
			if err != nil {
				return err
			}
			c.exportsTrie = trie
			di.ExportOff = place(trie)
		} else {
			di.ExportOff = 0
		}
	}
	if et := c.mf.ExportsTrie; et != nil {
		if et.Size > 0 {
			trie, err := c.cache.ReadBytes(int64(et.Offset), uint64(et.Size))
			if err != nil {
				return err
			}
			c.exportsTrie = trie
			et.Offset = place(trie)
		} else {
			et.Offset = 0
		}
	}
	if fs := c.mf.FunctionStarts; fs != nil {
		if fs.Offset, err = copyBlob(fs.Offset, fs.Size); err != nil {
			return err
		}
	}
	if dic := c.mf.DataInCode; dic != nil {
		if dic.Offset, err = copyBlob(dic.Offset, dic.Size); err != nil {
			return err
		}
	}

	align()
	symoff := uint32(buf.Len())
	for _, sym := range newSyms {
		if err := binary.Write(&buf, c.mf.ByteOrder, sym.nlist); err != nil {
			return err
		}
	}

	var indirectoff uint32
	if len(newIndirect) > 0 {
		align()
		indirectoff = uint32(buf.Len())
		for _, entry := range newIndirect {
			if err := binary.Write(&buf, c.mf.ByteOrder, entry); err != nil {
				return err
			}
		}
	}

	align()
	stroff := uint32(buf.Len())
	buf.Write(pool.Bytes())

	symtab.Symoff = base + symoff
	symtab.Nsyms = uint32(len(newSyms))
	symtab.Stroff = base + stroff
	symtab.Strsize = uint32(pool.Len())

	if dysymtab := c.mf.Dysymtab; dysymtab != nil {
		dysymtab.Ilocalsym = 0
		dysymtab.Nlocalsym = nlocal
		dysymtab.Iextdefsym = nlocal
		dysymtab.Nextdefsym = nextdef
		dysymtab.Iundefsym = nlocal + nextdef
		dysymtab.Nundefsym = nundef
		if len(newIndirect) > 0 {
			dysymtab.Indirectsymoff = base + indirectoff
		} else {
			dysymtab.Indirectsymoff = 0
		}
		dysymtab.Nindirectsyms = uint32(len(newIndirect))
		dysymtab.Tocoffset = 0
		dysymtab.Ntoc = 0
		dysymtab.Modtaboff = 0
		dysymtab.Nmodtab = 0
		dysymtab.Extrefsymoff = 0
		dysymtab.Nextrefsyms = 0
		dysymtab.Extreloff = 0
		dysymtab.Nextrel = 0
		dysymtab.Locreloff = 0
		dysymtab.Nlocrel = 0
	}

	// Signatures and split info describe the cache layout, not the carved
	// image, and chained fixups were already applied by the rebase stage.
	if cs := c.mf.CodeSignature; cs != nil {
		c.mf.RemoveLoad(cs)
	}
	if si := c.mf.SplitInfo; si != nil {
		c.mf.RemoveLoad(si)
	}
	if cf := c.mf.ChainedFixups; cf != nil {
		c.mf.RemoveLoad(cf)
	}

	linkedit.Data = buf.Bytes()
	linkedit.Filesz = uint64(buf.Len())
	linkedit.Memsz = roundUp(uint64(buf.Len()), 0x1000)

	c.linkeditSeg = linkedit
	c.syms = make([]types.Nlist64, len(newSyms))
	c.symNames = make([]string, len(newSyms))
	for i, sym := range newSyms {
		c.syms[i] = sym.nlist
		c.symNames[i] = sym.name
	}
	c.indirect = newIndirect
	c.indirectOff = indirectoff

	c.log.WithField("symbols", len(newSyms)).WithField("size", buf.Len()).Debug("linkedit rebuilt")
	return nil
}

// readSymtab loads the image's nlist entries and their names out of the
// cache's linkedit region.
func (c *Converter) readSymtab(symtab *macho.Symtab) ([]types.Nlist64, []string, error) {
	if symtab.Nsyms == 0 {
		return nil, nil, nil
	}
	data, err := c.cache.ReadBytes(int64(symtab.Symoff), uint64(symtab.Nsyms)*16)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read symbol table")
	}
	syms := make([]types.Nlist64, symtab.Nsyms)
	if err := binary.Read(bytes.NewReader(data), c.mf.ByteOrder, syms); err != nil {
		return nil, nil, err
	}
	names := make([]string, len(syms))
	for i, sym := range syms {
		if sym.Name >= symtab.Strsize {
			return nil, nil, errors.Wrapf(ErrLinkeditIndexOutOfRange,
				"symbol %d string offset %#x exceeds pool size %#x", i, sym.Name, symtab.Strsize)
		}
		name, err := c.cache.GetCStringAtOffset(int64(symtab.Stroff) + int64(sym.Name))
		if err != nil {
			return nil, nil, err
		}
		names[i] = name
	}
	return syms, names, nil
}

// remapIndirect rewrites the indirect symbol table onto the merged symbol
// order. Sentinel entries pass through untouched.
func (c *Converter) remapIndirect(oldNsyms uint32, oldToNew map[uint32]uint32) ([]uint32, error) {
	dysymtab := c.mf.Dysymtab
	if dysymtab == nil || dysymtab.Nindirectsyms == 0 {
		return nil, nil
	}
	data, err := c.cache.ReadBytes(int64(dysymtab.Indirectsymoff), uint64(dysymtab.Nindirectsyms)*4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read indirect symbol table")
	}
	indirect := make([]uint32, dysymtab.Nindirectsyms)
	for i := range indirect {
		old := c.mf.ByteOrder.Uint32(data[i*4:])
		if old&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
			indirect[i] = old
			continue
		}
		if old >= oldNsyms {
			return nil, errors.Wrapf(ErrLinkeditIndexOutOfRange,
				"indirect entry %d references symbol %d of %d", i, old, oldNsyms)
		}
		indirect[i] = oldToNew[old]
	}
	return indirect, nil
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
