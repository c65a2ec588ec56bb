package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var formatEraseHeaders bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase the image and reinitialize the filesystem",
	Long: `Erase every configured region and reinitialize the filesystem.
All files are destroyed. Erase counters survive the format so wear
leveling keeps working across reformats.

Examples:
  # Format the image from the default config
  flintfs format

  # Format without writing per-page erase headers
  flintfs format --erase-headers=false`,
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().BoolVar(&formatEraseHeaders, "erase-headers", true, "write per-page erase headers carrying wear counters")
}

func runFormat(cmd *cobra.Command, args []string) error {
	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := fs.Format(formatEraseHeaders); err != nil {
		return fmt.Errorf("format failed: %w", err)
	}

	fmt.Printf("Formatted: %d bytes available\n", fs.GetAvailableSpace())
	return nil
}
