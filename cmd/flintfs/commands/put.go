package commands

import (
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flintfs/pkg/pfs"
)

var putType uint8

var putCmd = &cobra.Command{
	Use:   "put <name> <local-file>",
	Short: "Copy a local file onto the image",
	Long: `Write a local file onto the image under the given name. An existing
file of the same name is replaced atomically: the old contents survive
a power loss until the new copy is complete.

Examples:
  flintfs put settings.cfg ./settings.cfg
  flintfs put firmware.bin ./fw.bin --type 0x01`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

func init() {
	putCmd.Flags().Uint8Var(&putType, "type", 0, "file type byte recorded in the header")
}

func runPut(cmd *cobra.Command, args []string) error {
	name, local := args[0], args[1]

	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", local, err)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%s is too large for the filesystem", local)
	}

	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := fs.Open(name, pfs.OpenWrite|pfs.OpenOverwrite, pfs.FileType(putType), uint32(len(data)))
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.CloseAndRemove()
		return fmt.Errorf("write failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	fmt.Printf("Wrote %s (%d bytes)\n", name, len(data))
	return nil
}
