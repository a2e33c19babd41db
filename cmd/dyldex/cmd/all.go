/*
Copyright © 2022-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/dyldex/internal/commands/extract"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/briandowns/spinner"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(allCmd)
	allCmd.Flags().StringP("output", "o", "binaries", "Directory to extract the dylibs to")
	allCmd.Flags().IntP("jobs", "j", 0, "Number of parallel extractions (default: # of CPUs)")
	viper.BindPFlag("all.output", allCmd.Flags().Lookup("output"))
	viper.BindPFlag("all.jobs", allCmd.Flags().Lookup("jobs"))
}

// allCmd represents the all command
var allCmd = &cobra.Command{
	Use:     "all <DSC>",
	Aliases: []string{"a"},
	Short:   "Extract all dylibs from the dyld_shared_cache",
	Example: heredoc.Doc(`
		# Extract every dylib into ./binaries
		❯ dyldex all dyld_shared_cache_arm64e

		# Extract into a custom folder using 4 workers
		❯ dyldex all dyld_shared_cache_arm64e --output /tmp/dylibs --jobs 4`),
	Args: cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		output := viper.GetString("all.output")
		jobs := viper.GetInt("all.jobs")

		dscPath := filepath.Clean(args[0])

		fileInfo, err := os.Lstat(dscPath)
		if err != nil {
			return fmt.Errorf("file %s does not exist", dscPath)
		}

		// Check if file is a symlink
		if fileInfo.Mode()&os.ModeSymlink != 0 {
			symlinkPath, err := os.Readlink(dscPath)
			if err != nil {
				return errors.Wrapf(err, "failed to read symlink %s", dscPath)
			}
			// TODO: this seems like it would break
			linkParent := filepath.Dir(dscPath)
			linkRoot := filepath.Dir(linkParent)

			dscPath = filepath.Join(linkRoot, symlinkPath)
		}

		s := spinner.New(spinner.CharSets[38], 100*time.Millisecond)
		s.Prefix = color.BlueString("   • Parsing shared cache... ")
		s.Start()
		f, err := dyld.Open(dscPath)
		s.Stop()
		if err != nil {
			return err
		}
		defer f.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			_, err := extract.All(ctx, f, &extract.Config{
				Output:   output,
				Jobs:     jobs,
				Verbose:  viper.GetBool("verbose"),
				Progress: true,
			})
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				return nil
			}
			return err
		}

		return nil
	},
}
