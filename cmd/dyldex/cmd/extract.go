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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/blacktop/dyldex/pkg/converter"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("output", "o", "", "Directory to extract the dylib to")
	extractCmd.Flags().BoolP("force", "f", false, "Overwrite existing extracted dylib")
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("extract.force", extractCmd.Flags().Lookup("force"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:     "extract <DSC> <DYLIB>",
	Aliases: []string{"e", "x"},
	Short:   "Extract a dylib from the dyld_shared_cache",
	Args:    cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 1 {
			return getImages(args[0]), cobra.ShellCompDirectiveDefault
		}
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		extractPath := viper.GetString("extract.output")
		forceExtract := viper.GetBool("extract.force")

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

		images, err := f.FindImages(args[1])
		if err != nil {
			return err
		}

		image := images[0]
		if len(images) > 1 {
			var choices []string
			for _, img := range images {
				choices = append(choices, img.Name)
			}
			var choice string
			prompt := &survey.Select{
				Message:  fmt.Sprintf("Found %d matching dylibs, please select one:", len(images)),
				Options:  choices,
				PageSize: 10,
			}
			if err := survey.AskOne(prompt, &choice); err == terminal.InterruptErr {
				log.Warn("Exiting...")
				return nil
			}
			if image, err = f.Image(choice); err != nil {
				return err
			}
		}

		folder := filepath.Dir(dscPath) // default to folder of shared cache
		if len(extractPath) > 0 {
			folder = extractPath
		}
		fname := filepath.Join(folder, filepath.Base(image.Name)) // default to NOT full dylib path

		if _, err := os.Stat(fname); os.IsNotExist(err) || forceExtract {
			res, err := converter.Convert(f, image, converter.Options{Verbose: viper.GetBool("verbose")})
			if err != nil {
				return fmt.Errorf("failed to convert %s: %v", image.Name, err)
			}
			if viper.GetBool("verbose") {
				fmt.Print(res.Log)
			} else {
				for _, warn := range res.Warnings {
					log.Warn(warn.String())
				}
			}
			if err := os.MkdirAll(folder, 0o750); err != nil {
				return fmt.Errorf("failed to create directory %s: %v", folder, err)
			}
			if err := os.WriteFile(fname, res.Output, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %v", fname, err)
			}
			log.Infof("Created %s", fname)
		} else {
			log.Warnf("dylib already exists: %s", fname)
		}

		return nil
	},
}
