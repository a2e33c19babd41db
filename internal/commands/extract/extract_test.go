package extract

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blacktop/dyldex/internal/testcache"
	"github.com/blacktop/dyldex/pkg/dyld"
)

func TestAll(t *testing.T) {
	data := testcache.Build(t)
	// clobber the second image's mach-o magic so its pipeline dies
	binary.LittleEndian.PutUint32(data[0x4000:], 0xfeedfeed)

	f, err := dyld.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse synthetic cache: %v", err)
	}

	tmp := t.TempDir()
	var buf bytes.Buffer
	stats, err := All(context.Background(), f, &Config{Output: tmp, Jobs: 2, Out: &buf})
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if stats.Extracted != 1 || stats.Failed != 1 || stats.Total != 2 {
		t.Errorf("All() stats = %+v, want 1 extracted, 1 failed of 2", stats)
	}

	fi, err := os.Stat(filepath.Join(tmp, "usr/lib/libfoo.dylib"))
	if err != nil {
		t.Fatalf("extracted dylib missing: %v", err)
	}
	if fi.Size() != 0x4088 {
		t.Errorf("extracted dylib size = %#x, want 0x4088", fi.Size())
	}
	if _, err := os.Stat(filepath.Join(tmp, "usr/lib/libbar.dylib")); !os.IsNotExist(err) {
		t.Errorf("failed image left an output file, stat err = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Processed: libfoo.dylib",
		"Processed: libbar.dylib",
		"----- libbar.dylib -----",
		"----- Summary -----",
		"Extracted 1 of 2 images (1 failed)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("All() output missing %q:\n%s", want, out)
		}
	}
	// the clean image logs nothing at the default level
	if strings.Contains(out, "----- libfoo.dylib -----") {
		t.Errorf("All() output has a blob for the clean image:\n%s", out)
	}
}

func TestAll_Canceled(t *testing.T) {
	f, _ := testcache.Open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmp := t.TempDir()
	var buf bytes.Buffer
	stats, err := All(ctx, f, &Config{Output: tmp, Jobs: 1, Out: &buf})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("All() error = %v, want context.Canceled", err)
	}
	if stats.Extracted != 0 {
		t.Errorf("All() extracted %d images after cancel, want 0", stats.Extracted)
	}
	ents, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(ents) != 0 {
		t.Errorf("canceled run left %d entries in output dir", len(ents))
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name  string
		dir   string
		image string
		want  string
	}{
		{"absolute install name", "out", "/usr/lib/libfoo.dylib", "out/usr/lib/libfoo.dylib"},
		{"relative name", "out", "libfoo.dylib", "out/libfoo.dylib"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputPath(tt.dir, tt.image); got != tt.want {
				t.Errorf("OutputPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
