package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var crcCmd = &cobra.Command{
	Use:   "crc <name>",
	Short: "Compute the CRC-32 of a file's contents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, cleanup, err := openFilesystem()
		if err != nil {
			return err
		}
		defer cleanup()

		crc, err := fs.FileCRC(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%08X  %s\n", crc, args[0])
		return nil
	},
}
