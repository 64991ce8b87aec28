package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-engine/internal/groundtruth"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

var (
	gtBrandID   string
	gtBrandName string
	gtDomain    string
	gtPages     []string
)

var groundTruthCmd = &cobra.Command{
	Use:   "groundtruth",
	Short: "Build and store a brand's fact set from saved pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pages, err := readPages(gtPages)
		if err != nil {
			return err
		}

		env, err := initService(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		fs, err := env.Service.PutGroundTruth(ctx, visibility.GroundTruthRequest{
			Brand: visibility.BrandInput{ID: gtBrandID, Name: gtBrandName, Domain: gtDomain},
			Pages: pages,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), fs)
	},
}

// readPages loads page files. Markdown and text files are used as-is; any
// other file is treated as HTML.
func readPages(paths []string) ([]groundtruth.Page, error) {
	pages := make([]groundtruth.Page, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "read page %s", p)
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".md", ".markdown", ".txt":
			pages = append(pages, groundtruth.Page{Markdown: string(data)})
		default:
			pages = append(pages, groundtruth.Page{HTML: string(data)})
		}
	}
	return pages, nil
}

func init() {
	f := groundTruthCmd.Flags()
	f.StringVar(&gtBrandID, "brand-id", "", "brand ID")
	f.StringVar(&gtBrandName, "brand", "", "brand name")
	f.StringVar(&gtDomain, "domain", "", "brand domain")
	f.StringSliceVar(&gtPages, "page", nil, "HTML or markdown file (repeatable)")
	rootCmd.AddCommand(groundTruthCmd)
}
