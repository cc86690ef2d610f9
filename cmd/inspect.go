package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/spf13/cobra"

	"github.com/dhcgn/emlx-to-eml/attachment"
	"github.com/dhcgn/emlx-to-eml/convert"
	"github.com/dhcgn/emlx-to-eml/scan"
	"github.com/dhcgn/emlx-to-eml/stats"
)

var (
	topN      int
	layout    string
	reportCSV string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file or directory]...",
	Short: "Show the part structure of .emlx containers and where their attachments live",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := attachment.ParseLayout(layout)
		if err != nil {
			return err
		}

		paths, err := containers(args)
		if err != nil {
			return err
		}

		conv := convert.New(convert.Options{Layout: l})
		out := cmd.OutOrStdout()

		var reports []convert.Report
		contentTypes := make(map[string]int)
		failed := 0
		for _, path := range paths {
			report, err := conv.Inspect(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				continue
			}
			reports = append(reports, report)
			for _, p := range report.Parts {
				contentTypes[p.ContentType]++
			}

			if err := printReport(out, report); err != nil {
				return err
			}
		}

		fmt.Fprintf(out, "\nInspected %d containers (%d failed)\n", len(reports), failed)
		if len(contentTypes) > 0 {
			fmt.Fprintf(out, "Top %d content types:\n", topN)
			stats.PrettyPrintTop(out, contentTypes, topN)
		}

		if reportCSV != "" {
			if err := saveCSVReport(reportCSV, reports); err != nil {
				return fmt.Errorf("save CSV report: %w", err)
			}
			fmt.Fprintf(out, "\nReport saved to: %s\n", reportCSV)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d containers could not be inspected", failed, len(paths))
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of content types to list")
	inspectCmd.Flags().StringVar(&layout, "layout", "sibling", "Where attachment files live: sibling or apple")
	inspectCmd.Flags().StringVar(&reportCSV, "csv", "", "Write one CSV row per part to this file")
}

// Register adds the subcommands to root.
func Register(root *cobra.Command) {
	root.AddCommand(inspectCmd)
}

// containers expands directory arguments into the containers below them.
func containers(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.IsDir() && scan.IsContainer(entry.Name()) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func printReport(w io.Writer, report convert.Report) error {
	list := pterm.LeveledList{}
	for _, p := range report.Parts {
		list = append(list, pterm.LeveledListItem{Level: p.Depth, Text: describe(p)})
	}

	tree, err := pterm.DefaultTree.WithRoot(putils.TreeFromLeveledList(list)).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s (%d bytes)\n%s", report.Path, report.Length, tree)
	return nil
}

func describe(p convert.Part) string {
	var sb strings.Builder
	sb.WriteString(p.Number)
	sb.WriteString(" ")
	sb.WriteString(p.ContentType)
	if p.Filename != "" {
		fmt.Fprintf(&sb, " %q", p.Filename)
	}
	if p.External {
		if p.Location != "" {
			sb.WriteString(" <- ")
			sb.WriteString(p.Location)
		} else {
			sb.WriteString(" <- missing")
		}
	}
	return sb.String()
}

func saveCSVReport(path string, reports []convert.Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"File", "Part", "ContentType", "External", "Filename", "Location"}); err != nil {
		return err
	}
	for _, r := range reports {
		for _, p := range r.Parts {
			record := []string{r.Path, p.Number, p.ContentType, strconv.FormatBool(p.External), p.Filename, p.Location}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
