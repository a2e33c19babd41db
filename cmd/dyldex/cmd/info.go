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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/blacktop/dyldex/internal/colors"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorTitle = colors.BoldHiBlue().SprintFunc()
var colorImage = colors.BoldHiMagenta().SprintFunc()

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("dylibs", "l", false, "List dylibs in the shared cache")
	infoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("info.dylibs", infoCmd.Flags().Lookup("dylibs"))
	viper.BindPFlag("info.json", infoCmd.Flags().Lookup("json"))
}

type cacheInfo struct {
	Magic     string        `json:"magic"`
	UUID      string        `json:"uuid"`
	Platform  string        `json:"platform"`
	OSVersion string        `json:"os_version"`
	CacheType string        `json:"cache_type"`
	NumImages int           `json:"num_images"`
	Mappings  []cacheRegion `json:"mappings"`
	Dylibs    []cacheDylib  `json:"dylibs,omitempty"`
}

type cacheRegion struct {
	Name       string `json:"name"`
	Address    uint64 `json:"address"`
	Size       uint64 `json:"size"`
	FileOffset uint64 `json:"file_offset"`
}

type cacheDylib struct {
	Index   int    `json:"index"`
	Address uint64 `json:"address"`
	Name    string `json:"name"`
}

func newCacheInfo(f *dyld.File, withDylibs bool) *cacheInfo {
	info := &cacheInfo{
		Magic:     f.Magic.String(),
		UUID:      f.UUID.String(),
		Platform:  f.Platform.String(),
		OSVersion: f.OsVersion.String(),
		CacheType: f.CacheType.String(),
		NumImages: len(f.Images),
	}
	for _, mapping := range f.Mappings {
		info.Mappings = append(info.Mappings, cacheRegion{
			Name:       mapping.Name,
			Address:    mapping.Address,
			Size:       mapping.Size,
			FileOffset: mapping.FileOffset,
		})
	}
	if withDylibs {
		for idx, img := range f.Images {
			info.Dylibs = append(info.Dylibs, cacheDylib{
				Index:   idx + 1,
				Address: img.Info.Address,
				Name:    img.Name,
			})
		}
	}
	return info
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:     "info <DSC>",
	Aliases: []string{"i"},
	Short:   "Parse the dyld_shared_cache header",
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		colors.Enable(viper.GetBool("color"))

		// flags
		showDylibs := viper.GetBool("info.dylibs")
		outAsJSON := viper.GetBool("info.json")

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

		f, err := dyld.Open(dscPath)
		if err != nil {
			return err
		}
		defer f.Close()

		if outAsJSON {
			j, err := json.Marshal(newCacheInfo(f, showDylibs))
			if err != nil {
				return err
			}
			fmt.Println(string(j))
			return nil
		}

		fmt.Println(colorTitle("Header"))
		fmt.Println("======")
		fmt.Printf("Magic         = %s\n", f.Magic)
		fmt.Printf("UUID          = %s\n", f.UUID)
		fmt.Printf("Platform      = %s\n", f.Platform)
		fmt.Printf("OS Version    = %s\n", f.OsVersion)
		fmt.Printf("Format        = %s\n", f.FormatVersion)
		fmt.Printf("Cache Type    = %s\n", f.CacheType)
		fmt.Printf("Max Slide     = %s\n", f.MaxSlide)
		fmt.Printf("Shared Region = %#x -> %#x\n", f.SharedRegionStart, f.SharedRegionStart+f.SharedRegionSize)
		fmt.Printf("Num Images    = %d\n", len(f.Images))
		fmt.Println()

		fmt.Println(colorTitle("Mappings"))
		fmt.Println("========")
		if len(f.MappingsWithSlide) > 0 {
			for _, mapping := range f.MappingsWithSlide {
				fmt.Println(mapping)
			}
		} else {
			for _, mapping := range f.Mappings {
				fmt.Println(mapping)
			}
		}
		fmt.Println()

		if showDylibs {
			fmt.Println(colorTitle("Images"))
			fmt.Println("======")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for idx, img := range f.Images {
				fmt.Fprintf(w, "%4d: %#x\t%s\n", idx+1, img.Info.Address, colorImage(img.Name))
			}
			w.Flush()
		}

		return nil
	},
}
