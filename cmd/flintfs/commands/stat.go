package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flintfs/internal/cli/output"
	"github.com/marmos91/flintfs/pkg/pfs"
)

var statCmd = &cobra.Command{
	Use:   "stat [name]",
	Short: "Show filesystem or file statistics",
	Long: `Without arguments, show page occupancy and wear statistics for the
whole image. With a file name, show that file's record.

Examples:
  flintfs stat
  flintfs stat settings.cfg
  flintfs stat -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStat,
}

func runStat(cmd *cobra.Command, args []string) error {
	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	if len(args) == 1 {
		return statFile(fs, args[0])
	}
	return statFilesystem(fs)
}

func statFilesystem(fs *pfs.Filesystem) error {
	stats, err := fs.Stats()
	if err != nil {
		return fmt.Errorf("failed to gather statistics: %w", err)
	}

	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, stats)
	}

	return output.SimpleTable(os.Stdout, [][2]string{
		{"Total pages", fmt.Sprintf("%d", stats.TotalPages)},
		{"Free pages", fmt.Sprintf("%d", stats.FreePages)},
		{"Live pages", fmt.Sprintf("%d", stats.LivePages)},
		{"Deleted pages", fmt.Sprintf("%d", stats.DeletedPages)},
		{"Available bytes", fmt.Sprintf("%d", fs.GetAvailableSpace())},
		{"Erase count min", fmt.Sprintf("%d", stats.EraseMin)},
		{"Erase count max", fmt.Sprintf("%d", stats.EraseMax)},
		{"Erase count avg", fmt.Sprintf("%.1f", stats.EraseAvg)},
	})
}

func statFile(fs *pfs.Filesystem, name string) error {
	files, err := fs.ListFiles(func(fi pfs.FileInfo) bool { return fi.Name == name })
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no such file: %s", name)
	}
	fi := files[0]

	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, fi)
	}

	return output.SimpleTable(os.Stdout, [][2]string{
		{"Name", fi.Name},
		{"Type", fmt.Sprintf("0x%02X", uint8(fi.Type))},
		{"Size", fmt.Sprintf("%d", fi.Size)},
		{"Start page", fmt.Sprintf("%d", fi.StartPage)},
	})
}
