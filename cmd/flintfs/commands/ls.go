package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flintfs/pkg/pfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files on the image",
	Long: `List every finalized file on the image.

Examples:
  # List files as a table
  flintfs ls

  # List as JSON
  flintfs ls -o json`,
	RunE: runLs,
}

// FileList is a list of files for table rendering.
type FileList []pfs.FileInfo

// Headers implements TableRenderer.
func (fl FileList) Headers() []string {
	return []string{"NAME", "TYPE", "SIZE", "START PAGE"}
}

// Rows implements TableRenderer.
func (fl FileList) Rows() [][]string {
	rows := make([][]string, 0, len(fl))
	for _, f := range fl {
		rows = append(rows, []string{
			f.Name,
			fmt.Sprintf("0x%02X", uint8(f.Type)),
			fmt.Sprintf("%d", f.Size),
			fmt.Sprintf("%d", f.StartPage),
		})
	}
	return rows
}

func runLs(cmd *cobra.Command, args []string) error {
	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	files, err := fs.ListFiles(nil)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	if len(files) == 0 && outputFmt == "table" {
		fmt.Println("No files found.")
		return nil
	}
	return printOutput(os.Stdout, FileList(files))
}
