package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently produced signatures",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "Number of entries to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.journal.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No signatures yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tADDRESS\tKIND\tDEVICE\tNETWORK\tSIGNATURE")
	for _, e := range entries {
		sig := hexutil.Encode(e.Signature)
		if len(sig) > 18 {
			sig = sig[:10] + "…" + sig[len(sig)-6:]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Address, e.Kind, e.Device, e.Network, sig)
	}
	return w.Flush()
}
