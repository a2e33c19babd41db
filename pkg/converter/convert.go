// Package converter rewrites a single dylib image carved out of a dyld
// shared cache into a standalone Mach-O. The pipeline runs a fixed stage
// order over a private copy of the image bytes: pointer rebasing, linkedit
// reconstruction, stub unwinding, objc metadata repair and file offset
// compaction. The cache itself is never written to.
package converter

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

var (
	// ErrCorruptPointerChain is returned when slide info walks off its page.
	ErrCorruptPointerChain = errors.New("corrupt rebase pointer chain")
	// ErrLinkeditIndexOutOfRange is returned when a symbol, string or file
	// offset points outside the table that should contain it.
	ErrLinkeditIndexOutOfRange = errors.New("linkedit table index out of range")
	// ErrDanglingObjCReference is returned when objc metadata references an
	// address no cache mapping covers.
	ErrDanglingObjCReference = errors.New("objc reference to unmapped address")
	// ErrUnresolvedStubChain records a stub whose branch target could not be
	// chased to a terminal function. It is warning class: the stub is left
	// as found and extraction continues.
	ErrUnresolvedStubChain = errors.New("unresolved stub target chain")
)

// Options control a single image conversion.
type Options struct {
	// Verbose lowers the captured log level from warn to debug.
	Verbose bool
}

// A Warning is a recoverable per-record failure. The record it describes is
// left as found in the output.
type Warning struct {
	Stage string
	Addr  uint64
	Msg   string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %#x: %s", w.Stage, w.Addr, w.Msg)
}

// A Result is the outcome of converting one image. Output is nil exactly
// when Fatal is set; Log and Warnings are populated either way.
type Result struct {
	Name     string
	Output   []byte
	Log      string
	Warnings []Warning
	Fatal    error
}

// blobHandler collects log lines into a buffer so a worker's output can be
// replayed by the coordinator once the image is done.
type blobHandler struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (h *blobHandler) HandleLog(e *log.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(&h.buf, "[%s] %s", strings.ToUpper(e.Level.String()), e.Message)
	for _, name := range e.Fields.Names() {
		fmt.Fprintf(&h.buf, " %s=%v", name, e.Fields.Get(name))
	}
	h.buf.WriteByte('\n')
	return nil
}

func (h *blobHandler) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String()
}

// A Converter drives the extraction pipeline for one image.
type Converter struct {
	cache *dyld.File
	image *dyld.CacheImage
	mf    *macho.File
	opts  Options

	blob *blobHandler
	log  *log.Logger

	warnings []Warning

	// populated by the linkedit rebuild, consumed by the stub rewriter
	linkeditSeg *macho.Segment
	symNames    []string
	syms        []types.Nlist64
	indirect    []uint32
	indirectOff uint32
	exportsTrie []byte
	resolved    *lru.Cache[uint64, uint64]
}

// New prepares a converter for one image. No cache bytes are read until
// Parse.
func New(f *dyld.File, image *dyld.CacheImage, opts Options) *Converter {
	blob := &blobHandler{}
	level := log.WarnLevel
	if opts.Verbose {
		level = log.DebugLevel
	}
	return &Converter{
		cache: f,
		image: image,
		opts:  opts,
		blob:  blob,
		log:   &log.Logger{Handler: blob, Level: level},
	}
}

// Parse locates the image inside the cache and materializes its segments
// into the converter's private arena.
func (c *Converter) Parse() error {
	off, err := c.image.Offset()
	if err != nil {
		return errors.Wrapf(err, "image %s has no mapped file offset", c.image.Name)
	}
	mf, err := macho.NewFile(c.cache.ReaderAt(), int64(off))
	if err != nil {
		return errors.Wrapf(err, "failed to parse mach-o at offset %#x", off)
	}
	if err := mf.LoadSegmentData(c.cache.ReaderAt()); err != nil {
		return errors.Wrapf(err, "failed to copy segment contents for %s", c.image.Name)
	}
	c.mf = mf
	return nil
}

func (c *Converter) warnf(stage string, addr uint64, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.warnings = append(c.warnings, Warning{Stage: stage, Addr: addr, Msg: msg})
	c.log.WithField("addr", fmt.Sprintf("%#x", addr)).Warnf("%s: %s", stage, msg)
}

// imageContains reports whether addr falls inside one of the image's own
// segments.
func (c *Converter) imageContains(addr uint64) bool {
	for _, seg := range c.mf.Segments() {
		if seg.Contains(addr) {
			return true
		}
	}
	return false
}

// pointerAt reads the pointer stored at addr: out of the arena when the
// image owns the address, otherwise out of the cache with that mapping's
// slide encoding stripped.
func (c *Converter) pointerAt(addr uint64) (uint64, error) {
	if c.imageContains(addr) {
		return c.mf.Uint64AtVMAddr(addr)
	}
	raw, err := c.cache.ReadPointerForVMAddress(addr)
	if err != nil {
		return 0, err
	}
	if mapping, err := c.cache.GetMappingForVMAddress(addr); err == nil && mapping.SlideInfo != nil {
		return mapping.SlideInfo.SlidePointer(raw), nil
	}
	return raw, nil
}

// assemble serializes the rewritten image and trims it to the linkedit
// segment's end.
func (c *Converter) assemble() ([]byte, error) {
	c.mf.FileHeader.Flags &^= types.DylibInCache

	out, err := c.mf.Bytes()
	if err != nil {
		return nil, err
	}
	linkedit, err := c.mf.Segment("__LINKEDIT")
	if err != nil {
		return nil, err
	}
	if end := linkedit.Offset + linkedit.Filesz; end < uint64(len(out)) {
		out = out[:end]
	}
	return out, nil
}

// Convert extracts one image from the cache. The returned Result always
// carries the captured log blob; the error return mirrors Result.Fatal so
// callers can treat the image as failed without inspecting the Result.
func Convert(f *dyld.File, image *dyld.CacheImage, opts Options) (*Result, error) {
	c := New(f, image, opts)
	res := &Result{Name: image.Name}
	defer func() {
		res.Log = c.blob.String()
		res.Warnings = c.warnings
	}()

	fail := func(err error) (*Result, error) {
		c.log.Errorf("conversion failed: %v", err)
		res.Fatal = err
		return res, err
	}

	c.log.WithField("image", image.Name).Info("converting")
	if err := c.Parse(); err != nil {
		return fail(err)
	}
	if err := c.RebasePointers(); err != nil {
		return fail(err)
	}
	if err := c.RebuildLinkedit(); err != nil {
		return fail(err)
	}
	if err := c.RewriteStubs(); err != nil {
		return fail(err)
	}
	if err := c.FixObjC(); err != nil {
		return fail(err)
	}
	if err := c.CompactOffsets(); err != nil {
		return fail(err)
	}

	out, err := c.assemble()
	if err != nil {
		return fail(err)
	}
	res.Output = out
	c.log.WithField("size", len(out)).Info("converted")

	return res, nil
}
