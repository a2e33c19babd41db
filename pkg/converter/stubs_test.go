package converter

import (
	"reflect"
	"strings"
	"testing"

	"github.com/blacktop/dyldex/internal/testcache"
)

func rewriteStubsImage(t *testing.T, data []byte, path string) *Converter {
	t.Helper()
	c := rebuildImage(t, data, path)
	if err := c.RewriteStubs(); err != nil {
		t.Fatalf("RewriteStubs() error = %v", err)
	}
	return c
}

func readWords(t *testing.T, c *Converter, addr uint64, n int) []uint32 {
	t.Helper()
	words := make([]uint32, n)
	for i := range words {
		w, err := c.mf.Uint32AtVMAddr(addr + uint64(4*i))
		if err != nil {
			t.Fatalf("Uint32AtVMAddr(%#x) error = %v", addr+uint64(4*i), err)
		}
		words[i] = w
	}
	return words
}

func TestConverter_RewriteStubs(t *testing.T) {
	c := rewriteStubsImage(t, testcache.Build(t), testcache.Image0Path)

	// the optimized adrp/add/br stub loads through its pointer slot again
	want := []uint32{0xD01FFFF0, 0xF9400210, 0xD61F0200}
	if got := readWords(t, c, testcache.Image0StubsSect, 3); !reflect.DeepEqual(got, want) {
		t.Errorf("optimized stub = %#v, want %#v", got, want)
	}

	// the canonical stub is left alone
	want = []uint32{0xD01FFFF0, 0xF9400610, 0xD61F0200}
	if got := readWords(t, c, testcache.Image0StubsSect+12, 3); !reflect.DeepEqual(got, want) {
		t.Errorf("canonical stub = %#v, want %#v", got, want)
	}

	// the call that jumped straight into the other image goes through the
	// local stub now
	if got := readWords(t, c, testcache.Image0TextSect, 1)[0]; got != 0x94000200 {
		t.Errorf("retargeted bl = %#x, want 0x94000200", got)
	}

	// pointer slots keep their decoded values
	for slot, want := range map[uint64]uint64{
		testcache.Image0GotSect:     testcache.SharedFuncAddr,
		testcache.Image0GotSect + 8: testcache.FooPublicAddr,
	} {
		if got, err := c.mf.Uint64AtVMAddr(slot); err != nil || got != want {
			t.Errorf("slot %#x = %#x (err %v), want %#x", slot, got, err, want)
		}
	}

	if len(c.warnings) != 0 {
		t.Errorf("warnings = %v, want none", c.warnings)
	}
}

// A stale pointer slot is put back to the stub's resolved target before the
// stub is rewritten to load through it.
func TestConverter_RewriteStubs_RestoresPointerSlot(t *testing.T) {
	data := testcache.Build(t)
	patch(t, data, 0x8000, uint64(1<<63|1<<51|0x6000))

	c := rewriteStubsImage(t, data, testcache.Image0Path)
	got, err := c.mf.Uint64AtVMAddr(testcache.Image0GotSect)
	if err != nil {
		t.Fatalf("Uint64AtVMAddr() error = %v", err)
	}
	if got != testcache.SharedFuncAddr {
		t.Errorf("slot = %#x, want %#x", got, testcache.SharedFuncAddr)
	}
}

// An indirect entry stamped with the LOCAL sentinel is repaired when the
// stub's target is one of the image's own exports.
func TestConverter_RewriteStubs_RepairsIndirectEntry(t *testing.T) {
	data := testcache.Build(t)
	// re-aim the optimized stub at _foo_public and stamp its indirect entry
	patch(t, data, 0x2800, uint32(0x90000010))
	patch(t, data, 0xA200, uint32(0x80000000))

	c := rewriteStubsImage(t, data, testcache.Image0Path)

	// both stubs now load through the _foo_public slot
	want := []uint32{0xD01FFFF0, 0xF9400610, 0xD61F0200}
	if got := readWords(t, c, testcache.Image0StubsSect, 3); !reflect.DeepEqual(got, want) {
		t.Errorf("stub = %#v, want %#v", got, want)
	}

	wantIndirect := []uint32{1, 1, 2, 1}
	if got := readIndirect(t, c); !reflect.DeepEqual(got, wantIndirect) {
		t.Errorf("indirect = %v, want %v", got, wantIndirect)
	}

	// no stub reaches _shared_func anymore, so the call stays direct
	if got := readWords(t, c, testcache.Image0TextSect, 1)[0]; got != 0x94000C00 {
		t.Errorf("bl = %#x, want 0x94000c00", got)
	}
}

// A branch chain that never terminates is reported and the stub is left as
// found.
func TestConverter_RewriteStubs_HopLimit(t *testing.T) {
	data := testcache.Build(t)
	// stub now computes a target inside a run of forwarding branches
	patch(t, data, 0x2804, uint32(0x91008210))
	for i := uint32(0); i < 10; i++ {
		patch(t, data, 0x5020+4*i, uint32(0x14000001))
	}

	c := rewriteStubsImage(t, data, testcache.Image0Path)

	want := []uint32{0xF0000010, 0x91008210, 0xD61F0200}
	if got := readWords(t, c, testcache.Image0StubsSect, 3); !reflect.DeepEqual(got, want) {
		t.Errorf("stub = %#v, want %#v", got, want)
	}
	if len(c.warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", c.warnings)
	}
	w := c.warnings[0]
	if w.Stage != "stubs" || w.Addr != testcache.Image0StubsSect {
		t.Errorf("warning = %+v, want stage stubs at %#x", w, uint64(testcache.Image0StubsSect))
	}
	if !strings.Contains(w.Msg, "hops") {
		t.Errorf("warning msg = %q, want mention of the hop limit", w.Msg)
	}
}

func Test_encodeADRP(t *testing.T) {
	tests := []struct {
		name       string
		rd         uint32
		pc, target uint64
		want       uint32
	}{
		{"same page", 0, 0x1000, 0x1000, 0x90000000},
		{"forward", 16, 0x180002800, 0x1C0000000, 0xD01FFFF0},
		{"one page up", 1, 0x1000, 0x2000, 0xB0000001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeADRP(tt.rd, tt.pc, tt.target); got != tt.want {
				t.Errorf("encodeADRP() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func Test_encodeLdrImm64(t *testing.T) {
	tests := []struct {
		name   string
		rt, rn uint32
		offset uint64
		want   uint32
	}{
		{"zero offset", 16, 16, 0, 0xF9400210},
		{"offset 8", 16, 16, 8, 0xF9400610},
		{"offset 24", 0, 1, 0x18, 0xF9400C20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeLdrImm64(tt.rt, tt.rn, tt.offset); got != tt.want {
				t.Errorf("encodeLdrImm64() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func Test_encodeBranch26(t *testing.T) {
	tests := []struct {
		name       string
		opcode     uint32
		pc, target uint64
		want       uint32
		wantOK     bool
	}{
		{"b forward", opB, 0x1000, 0x2000, 0x14000400, true},
		{"bl forward", opBL, 0x180002000, 0x180002800, 0x94000200, true},
		{"bl backward", opBL, 0x2000, 0x1000, 0x97FFFC00, true},
		{"out of range", opB, 0, 1 << 28, 0, false},
		{"misaligned", opB, 0, 6, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := encodeBranch26(tt.opcode, tt.pc, tt.target)
			if ok != tt.wantOK {
				t.Fatalf("encodeBranch26() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("encodeBranch26() = %#x, want %#x", got, tt.want)
			}
		})
	}
}
