// Package extract drives whole-cache dylib extraction across a bounded
// worker pool. Each image runs the full conversion pipeline in its own
// goroutine over private buffers; the only shared state is the read-only
// cache and the output directory, to which workers write disjoint paths.
package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/dyldex/pkg/converter"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Config is the extract command configuration.
type Config struct {
	// output directory to write extracted dylibs to
	Output string `json:"output,omitempty"`
	// number of parallel extraction workers (<= 0 means NumCPU)
	Jobs int `json:"jobs,omitempty"`
	// capture debug lines in the per-image log blobs
	Verbose bool `json:"verbose,omitempty"`
	// show the progress bar (only when stderr is a terminal)
	Progress bool `json:"progress,omitempty"`

	// Out receives the completion lines and the final summary.
	// Defaults to os.Stdout.
	Out io.Writer `json:"-"`
}

// Stats summarize a whole-cache run.
type Stats struct {
	Extracted int
	Failed    int
	Total     int
}

// completion is one finished image job.
type completion struct {
	name string
	blob string
	err  error
}

// OutputPath returns the destination for an image below dir. The install
// name's leading slash is stripped so absolute paths nest under dir.
func OutputPath(dir, name string) string {
	return filepath.Join(dir, strings.TrimPrefix(name, "/"))
}

// WriteImage writes converted image bytes to their destination under dir,
// creating parent directories as needed.
func WriteImage(dir, name string, data []byte) (string, error) {
	fname := OutputPath(dir, name)
	if err := os.MkdirAll(filepath.Dir(fname), 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %v", filepath.Dir(fname), err)
	}
	if err := os.WriteFile(fname, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %v", fname, err)
	}
	return fname, nil
}

// All extracts every image in the cache into conf.Output. A fatal error in
// one image is recorded in its log blob and does not stop the others; All
// itself only fails when the output directory cannot be created or the
// context is canceled. Workers write an image's file only after its whole
// pipeline succeeds, so an interrupted run leaves no partial outputs.
func All(ctx context.Context, f *dyld.File, conf *Config) (*Stats, error) {
	out := conf.Out
	if out == nil {
		out = os.Stdout
	}
	jobs := conf.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if err := os.MkdirAll(conf.Output, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %v", conf.Output, err)
	}

	images := f.Images
	stats := &Stats{Total: len(images)}

	var p *mpb.Progress
	var bar *mpb.Bar
	if conf.Progress && term.IsTerminal(int(os.Stderr.Fd())) {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
		bar = p.New(int64(len(images)),
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
			),
		)
	}

	completions := make(chan completion)

	// Drain completions as they land so blocked workers never wait on the
	// printer, and job output interleaves per image like the pool finishes.
	var blobs []string
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for c := range completions {
			if c.err != nil {
				stats.Failed++
			} else {
				stats.Extracted++
			}
			name := filepath.Base(c.name)
			fmt.Fprintf(out, "Processed: %s\n", name)
			if c.blob != "" {
				block := fmt.Sprintf("----- %s -----\n%s--------------------\n", name, c.blob)
				blobs = append(blobs, block)
				fmt.Fprintln(out, block)
			}
			if bar != nil {
				bar.Increment()
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, image := range images {
		g.Go(func() error {
			// canceled runs stop scheduling; in-flight images finish
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := converter.Convert(f, image, converter.Options{Verbose: conf.Verbose})
			if err == nil {
				if _, werr := WriteImage(conf.Output, image.Name, res.Output); werr != nil {
					err = werr
					res.Log += fmt.Sprintf("[ERROR] %v\n", werr)
				}
			}
			completions <- completion{name: image.Name, blob: res.Log, err: err}
			return nil
		})
	}

	gerr := g.Wait()
	close(completions)
	printer.Wait()
	if bar != nil {
		bar.Abort(false) // no-op when the bar already completed
		p.Wait()
	}

	fmt.Fprint(out, "\n\n----- Summary -----\n")
	fmt.Fprintln(out, strings.Join(blobs, ""))
	fmt.Fprint(out, "-------------------\n\n")
	fmt.Fprintf(out, "Extracted %d of %d images (%d failed)\n", stats.Extracted, stats.Total, stats.Failed)

	if gerr != nil {
		return stats, gerr
	}
	return stats, nil
}
