package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flintfs/pkg/pfs"
)

var (
	getOut     string
	getSkipCRC bool
)

var getCmd = &cobra.Command{
	Use:     "get <name>",
	Aliases: []string{"dump"},
	Short:   "Copy a file off the image",
	Long: `Read a file from the image and write it to stdout or a local file.

Examples:
  # Dump to stdout
  flintfs get settings.cfg

  # Copy to a local file
  flintfs get firmware.bin --out /tmp/firmware.bin

  # Salvage a file behind a damaged header
  flintfs get settings.cfg --skip-crc --out salvaged.cfg`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVar(&getOut, "out", "", "destination path (default: stdout)")
	getCmd.Flags().BoolVar(&getSkipCRC, "skip-crc", false, "skip file header checksum verification")
}

func runGet(cmd *cobra.Command, args []string) error {
	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	flags := pfs.OpenRead | pfs.OpenPageCache
	if getSkipCRC {
		flags |= pfs.OpenSkipCRC
	}
	f, err := fs.Open(args[0], flags, 0, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var w io.Writer = os.Stdout
	if getOut != "" {
		out, err := os.Create(getOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", getOut, err)
		}
		defer func() { _ = out.Close() }()
		w = out
	}

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	return nil
}
