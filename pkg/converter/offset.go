package converter

import (
	"fmt"
	"sort"

	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/pkg/errors"
)

// CompactOffsets packs the output file. Inside the cache an image's
// segments sit at offsets hundreds of megabytes apart; here they are laid
// back to back in ascending virtual address order, and every file offset
// recorded in a load command moves with the bytes it describes.
func (c *Converter) CompactOffsets() error {
	c.log.Info("compacting file offsets")

	segs := make([]*macho.Segment, len(c.mf.Segments()))
	copy(segs, c.mf.Segments())
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })

	type span struct {
		old, new, size uint64
	}
	var moved []span
	var next uint64
	for _, seg := range segs {
		oldOff := seg.Offset
		seg.Offset = next
		for _, sec := range seg.Sections {
			if sec.Offset != 0 {
				sec.Offset = uint32(next + uint64(sec.Offset) - oldOff)
			}
		}
		if seg.Filesz != 0 {
			moved = append(moved, span{old: oldOff, new: next, size: seg.Filesz})
			next += seg.Filesz
		}
		c.log.WithField("offset", fmt.Sprintf("%#x", seg.Offset)).Debugf("segment %s", seg.SegName)
	}

	remap := func(off uint32) (uint32, error) {
		if off == 0 {
			return 0, nil
		}
		for _, s := range moved {
			if uint64(off) >= s.old && uint64(off) < s.old+s.size {
				return uint32(uint64(off) - s.old + s.new), nil
			}
		}
		return 0, errors.Wrapf(ErrLinkeditIndexOutOfRange, "file offset %#x lies in no segment", off)
	}

	var err error
	if st := c.mf.Symtab; st != nil {
		if st.Symoff, err = remap(st.Symoff); err != nil {
			return err
		}
		if st.Stroff, err = remap(st.Stroff); err != nil {
			return err
		}
	}
	if dt := c.mf.Dysymtab; dt != nil {
		if dt.Indirectsymoff, err = remap(dt.Indirectsymoff); err != nil {
			return err
		}
	}
	if di := c.mf.DyldInfo; di != nil {
		if di.RebaseOff, err = remap(di.RebaseOff); err != nil {
			return err
		}
		if di.BindOff, err = remap(di.BindOff); err != nil {
			return err
		}
		if di.WeakBindOff, err = remap(di.WeakBindOff); err != nil {
			return err
		}
		if di.LazyBindOff, err = remap(di.LazyBindOff); err != nil {
			return err
		}
		if di.ExportOff, err = remap(di.ExportOff); err != nil {
			return err
		}
	}
	for _, blob := range []*macho.LinkEditData{
		c.mf.FunctionStarts, c.mf.DataInCode, c.mf.ExportsTrie,
		c.mf.CodeSignature, c.mf.SplitInfo, c.mf.ChainedFixups,
	} {
		if blob == nil {
			continue
		}
		if blob.Offset, err = remap(blob.Offset); err != nil {
			return err
		}
	}

	c.log.WithField("size", fmt.Sprintf("%#x", next)).Debug("compacted file")
	return nil
}
