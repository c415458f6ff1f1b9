package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yolodolo42/hwsign/internal/transport/hid"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected Ledger devices",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	infos, err := hid.Enumerate()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No Ledger devices found. Connect and unlock the device.")
		return nil
	}
	for i, info := range infos {
		fmt.Fprintf(out, "[%d] %s (product 0x%04x)\n    %s\n", i, info.Product, info.ProductID, info.Path)
	}
	return nil
}
