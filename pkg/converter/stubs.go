package converter

import (
	"bytes"
	"fmt"

	"github.com/blacktop/arm64-cgo/disassemble"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/pkg/trie"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Stub resolution gives up after this many trampoline hops.
const maxResolveHops = 8

const (
	opADRP  = 0x90000000
	opLDR   = 0xF9400000
	opB     = 0x14000000
	opBL    = 0x94000000
	opBRx16 = 0xD61F0200
	opNOP   = 0xD503201F

	branch26Mask = 0xFC000000
)

// RewriteStubs undoes the cache builder's stub optimization. Stubs that
// were collapsed into direct branches get their pointer slot restored and
// are rewritten back to the canonical ADRP/LDR/BR form, and direct calls
// that jump out of the image are re-aimed at the local stub reaching the
// same function.
func (c *Converter) RewriteStubs() error {
	c.log.Info("rewriting stubs")

	resolved, err := lru.New[uint64, uint64](4096)
	if err != nil {
		return err
	}
	c.resolved = resolved

	symIndex := make(map[string]uint32, len(c.symNames))
	for i, name := range c.symNames {
		if name == "" {
			continue
		}
		if _, ok := symIndex[name]; !ok {
			symIndex[name] = uint32(i)
		}
	}

	var pointerSections []*macho.Section
	gotSlots := make(map[string]uint64)
	for _, sec := range c.mf.Sections() {
		if !sec.Flags.IsNonLazySymbolPointers() && !sec.Flags.IsLazySymbolPointers() {
			continue
		}
		pointerSections = append(pointerSections, sec)
		for i := uint64(0); i < sec.Size/8; i++ {
			if name, ok := c.indirectName(sec.Reserve1 + uint32(i)); ok {
				if _, taken := gotSlots[name]; !taken {
					gotSlots[name] = sec.Addr + i*8
				}
			}
		}
	}

	exports := make(map[uint64]string)
	if len(c.exportsTrie) > 0 {
		entries, err := trie.ParseTrieExports(bytes.NewReader(c.exportsTrie), c.image.LoadAddress())
		if err != nil {
			c.log.WithError(err).Debug("failed to parse export trie")
		} else {
			for _, entry := range entries {
				if entry.Flags.ReExport() {
					continue
				}
				exports[entry.Address] = entry.Name
			}
		}
	}

	// function address -> address of the stub that reaches it
	localStub := make(map[uint64]uint64)

	for _, sec := range c.mf.Sections() {
		if !sec.Flags.IsSymbolStubs() {
			continue
		}
		if sec.Reserve2 == 0 {
			c.warnf("stubs", sec.Addr, "section %s.%s does not declare a stub size", sec.SegName, sec.SectName)
			continue
		}
		stubSize := uint64(sec.Reserve2)
		for i := uint64(0); i < sec.Size/stubSize; i++ {
			addr := sec.Addr + i*stubSize
			if err := c.rewriteStub(sec, uint32(i), addr, stubSize, gotSlots, pointerSections, localStub, exports, symIndex); err != nil {
				return err
			}
		}
	}

	return c.retargetBranches(localStub)
}

func (c *Converter) rewriteStub(sec *macho.Section, idx uint32, addr, stubSize uint64, gotSlots map[string]uint64, pointerSections []*macho.Section, localStub map[uint64]uint64, exports map[uint64]string, symIndex map[string]uint32) error {
	word, err := c.mf.Uint32AtVMAddr(addr)
	if err != nil {
		return err
	}
	insn, err := decodeInstr(addr, word)
	if err != nil || insn == nil {
		c.log.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("undecodable stub")
		return nil
	}

	switch insn.Operation {
	case disassemble.ARM64_ADRP:
		if stubSize < 12 {
			return nil
		}
		word1, err := c.mf.Uint32AtVMAddr(addr + 4)
		if err != nil {
			return err
		}
		insn1, err := decodeInstr(addr+4, word1)
		if err != nil || insn1 == nil {
			return nil
		}
		adrpReg := insn.Operands[0].Registers[0]
		page := insn.Operands[1].Immediate
		switch {
		case insn1.Operation == disassemble.ARM64_LDR && insn1.Operands[1].Registers[0] == adrpReg:
			// canonical form, its pointer slot was handled by the rebase
			slot := page + insn1.Operands[1].Immediate
			target, err := c.pointerAt(slot)
			if err != nil {
				c.warnf("stubs", addr, "cannot read pointer slot %#x: %v", slot, err)
				return nil
			}
			if target != 0 {
				if _, ok := localStub[target]; !ok {
					localStub[target] = addr
				}
			}
			return nil
		case insn1.Operation == disassemble.ARM64_ADD && insn1.Operands[1].Registers[0] == adrpReg:
			// optimized to compute the target address directly
			return c.unoptimizeStub(sec, idx, addr, stubSize, page+insn1.Operands[2].Immediate, gotSlots, pointerSections, localStub, exports, symIndex)
		}
	case disassemble.ARM64_B:
		// optimized to a single direct branch
		if stubSize < 12 {
			c.warnf("stubs", addr, "%d byte stub leaves no room to restore the load", stubSize)
			return nil
		}
		return c.unoptimizeStub(sec, idx, addr, stubSize, insn.Operands[0].Immediate, gotSlots, pointerSections, localStub, exports, symIndex)
	}
	return nil
}

// unoptimizeStub chases the optimized stub's branch to its terminal
// function, restores the pointer slot that should feed the stub and
// rewrites the stub to load through it again.
func (c *Converter) unoptimizeStub(sec *macho.Section, idx uint32, addr, stubSize, initial uint64, gotSlots map[string]uint64, pointerSections []*macho.Section, localStub map[uint64]uint64, exports map[uint64]string, symIndex map[string]uint32) error {
	final, err := c.resolveStubTarget(initial)
	if err != nil {
		c.warnf("stubs", addr, "%v", err)
		return nil
	}

	var slot uint64
	name, ok := c.indirectName(sec.Reserve1 + idx)
	if ok {
		slot, ok = gotSlots[name]
	}
	if !ok {
		slot, ok = c.findSlotByValue(pointerSections, final)
	}
	if !ok {
		c.warnf("stubs", addr, "no pointer slot holds resolved target %#x", final)
		return nil
	}

	if current, err := c.mf.Uint64AtVMAddr(slot); err == nil && current != final {
		if err := c.mf.PutUint64AtVMAddr(final, slot); err != nil {
			return err
		}
		c.log.WithField("slot", fmt.Sprintf("%#x", slot)).Debugf("restored pointer slot to %#x", final)
	}

	if err := c.mf.PutUint32AtVMAddr(encodeADRP(16, addr, slot), addr); err != nil {
		return err
	}
	if err := c.mf.PutUint32AtVMAddr(encodeLdrImm64(16, 16, slot&0xFFF), addr+4); err != nil {
		return err
	}
	if err := c.mf.PutUint32AtVMAddr(opBRx16, addr+8); err != nil {
		return err
	}
	for off := uint64(12); off+4 <= stubSize; off += 4 {
		if err := c.mf.PutUint32AtVMAddr(opNOP, addr+off); err != nil {
			return err
		}
	}

	if _, ok := localStub[final]; !ok {
		localStub[final] = addr
	}

	// The cache builder stamps optimized stubs' indirect entries with the
	// LOCAL sentinel. Put the symbol back when the target has a name.
	if entry := sec.Reserve1 + idx; int(entry) < len(c.indirect) && c.indirect[entry]&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
		if name, ok := exports[final]; ok {
			if si, ok := symIndex[name]; ok {
				c.indirect[entry] = si
				c.mf.ByteOrder.PutUint32(c.linkeditSeg.Data[c.indirectOff+4*entry:], si)
				c.log.WithField("stub", fmt.Sprintf("%#x", addr)).Debugf("repaired indirect entry %d -> %s", entry, name)
			}
		}
	}
	return nil
}

// resolveStubTarget follows branch trampolines from addr until something
// that is not a trampoline is reached.
func (c *Converter) resolveStubTarget(addr uint64) (uint64, error) {
	if final, ok := c.resolved.Get(addr); ok {
		return final, nil
	}
	current := addr
	for hop := 0; hop < maxResolveHops; hop++ {
		next, more, err := c.stepTrampoline(current)
		if err != nil {
			return 0, err
		}
		if !more {
			c.resolved.Add(addr, current)
			return current, nil
		}
		current = next
	}
	return 0, errors.Wrapf(ErrUnresolvedStubChain, "no terminal after %d hops from %#x", maxResolveHops, addr)
}

// stepTrampoline decodes the code at addr and, when it forms a recognized
// forwarding pattern, returns where it forwards to. Unreadable or
// undecodable code and plain function bodies are terminals.
func (c *Converter) stepTrampoline(addr uint64) (uint64, bool, error) {
	word, err := c.instrAt(addr)
	if err != nil {
		return 0, false, nil
	}
	insn, err := decodeInstr(addr, word)
	if err != nil || insn == nil {
		return 0, false, nil
	}

	switch insn.Operation {
	case disassemble.ARM64_B:
		return insn.Operands[0].Immediate, true, nil
	case disassemble.ARM64_NOP:
		return addr + 4, true, nil
	case disassemble.ARM64_ADRP:
	default:
		return 0, false, nil
	}

	word1, err := c.instrAt(addr + 4)
	if err != nil {
		return 0, false, nil
	}
	insn1, err := decodeInstr(addr+4, word1)
	if err != nil || insn1 == nil {
		return 0, false, nil
	}
	word2, err := c.instrAt(addr + 8)
	if err != nil {
		return 0, false, nil
	}
	insn2, err := decodeInstr(addr+8, word2)
	if err != nil || insn2 == nil {
		return 0, false, nil
	}

	adrpReg := insn.Operands[0].Registers[0]
	page := insn.Operands[1].Immediate

	switch {
	case insn1.Operation == disassemble.ARM64_ADD &&
		insn1.Operands[1].Registers[0] == adrpReg &&
		insn2.Operation == disassemble.ARM64_BR &&
		insn2.Operands[0].Registers[0] == insn1.Operands[0].Registers[0]:
		return page + insn1.Operands[2].Immediate, true, nil
	case insn1.Operation == disassemble.ARM64_LDR &&
		insn1.Operands[1].Registers[0] == adrpReg &&
		(insn2.Operation == disassemble.ARM64_BR ||
			insn2.Operation == disassemble.ARM64_BRAA ||
			insn2.Operation == disassemble.ARM64_BRAB) &&
		insn2.Operands[0].Registers[0] == insn1.Operands[0].Registers[0]:
		target, err := c.pointerAt(page + insn1.Operands[1].Immediate)
		if err != nil {
			return 0, false, nil
		}
		return target, true, nil
	}
	return 0, false, nil
}

// retargetBranches re-aims direct calls that land outside the image at the
// local stub that reaches the same function.
func (c *Converter) retargetBranches(localStub map[uint64]uint64) error {
	if len(localStub) == 0 {
		return nil
	}
	for _, sec := range c.mf.Sections() {
		if !sec.Flags.IsPureInstructions() && !sec.Flags.IsSomeInstructions() {
			continue
		}
		if sec.Flags.IsSymbolStubs() {
			continue
		}
		data := make([]byte, sec.Size&^3)
		if err := c.mf.ReadAtVMAddr(data, sec.Addr); err != nil {
			return err
		}
		for off := uint64(0); off+4 <= uint64(len(data)); off += 4 {
			word := c.mf.ByteOrder.Uint32(data[off:])
			opcode := word & branch26Mask
			if opcode != opB && opcode != opBL {
				continue
			}
			pc := sec.Addr + off
			insn, err := decodeInstr(pc, word)
			if err != nil || insn == nil {
				continue
			}
			if insn.Operation != disassemble.ARM64_B && insn.Operation != disassemble.ARM64_BL {
				continue
			}
			target := insn.Operands[0].Immediate
			if c.imageContains(target) {
				continue
			}
			stub, ok := localStub[target]
			if !ok {
				final, err := c.resolveStubTarget(target)
				if err != nil {
					c.warnf("stubs", pc, "%v", err)
					continue
				}
				if stub, ok = localStub[final]; !ok {
					c.log.WithField("addr", fmt.Sprintf("%#x", pc)).Debugf("no local stub reaches %#x", final)
					continue
				}
			}
			fixed, ok := encodeBranch26(opcode, pc, stub)
			if !ok {
				c.warnf("stubs", pc, "stub at %#x is beyond direct branch range", stub)
				continue
			}
			if err := c.mf.PutUint32AtVMAddr(fixed, pc); err != nil {
				return err
			}
		}
	}
	return nil
}

// indirectName resolves an indirect symbol table entry to its symbol name.
// Sentinel and out of range entries have none.
func (c *Converter) indirectName(entry uint32) (string, bool) {
	if int(entry) >= len(c.indirect) {
		return "", false
	}
	value := c.indirect[entry]
	if value&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
		return "", false
	}
	if int(value) >= len(c.symNames) {
		return "", false
	}
	return c.symNames[value], true
}

func (c *Converter) findSlotByValue(sections []*macho.Section, target uint64) (uint64, bool) {
	for _, sec := range sections {
		for i := uint64(0); i < sec.Size/8; i++ {
			slot := sec.Addr + i*8
			if value, err := c.mf.Uint64AtVMAddr(slot); err == nil && value == target {
				return slot, true
			}
		}
	}
	return 0, false
}

// instrAt reads the instruction word at addr, from the arena when the image
// owns the address and from the cache otherwise.
func (c *Converter) instrAt(addr uint64) (uint32, error) {
	if c.imageContains(addr) {
		return c.mf.Uint32AtVMAddr(addr)
	}
	data, err := c.cache.ReadBytesForVMAddress(addr, 4)
	if err != nil {
		return 0, err
	}
	return c.cache.ByteOrder.Uint32(data), nil
}

func decodeInstr(addr uint64, word uint32) (*disassemble.Instruction, error) {
	var results [1024]byte
	return disassemble.Decompose(addr, word, &results)
}

// encodeADRP forms "adrp xd, target@PAGE" for an instruction at pc.
func encodeADRP(rd uint32, pc, target uint64) uint32 {
	imm := (int64(target&^0xFFF) - int64(pc&^0xFFF)) >> 12
	immlo := uint32(imm) & 0x3
	immhi := (uint32(imm) >> 2) & 0x7FFFF
	return opADRP | immlo<<29 | immhi<<5 | rd
}

// encodeLdrImm64 forms "ldr xt, [xn, #offset]" with an 8 byte scaled
// unsigned offset.
func encodeLdrImm64(rt, rn uint32, offset uint64) uint32 {
	return opLDR | uint32(offset/8)<<10 | rn<<5 | rt
}

// encodeBranch26 forms a B or BL at pc aimed at target, reporting failure
// when the displacement does not fit the 26 bit immediate.
func encodeBranch26(opcode uint32, pc, target uint64) (uint32, bool) {
	delta := int64(target) - int64(pc)
	if delta < -(1<<27) || delta >= 1<<27 || delta&3 != 0 {
		return 0, false
	}
	return opcode | uint32(delta>>2)&0x03FFFFFF, true
}
