package cli

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the device for an account and watch its status",
	Long: `Connects to the signing device for an account and shows its status.

In a terminal the status is watched live: r retries, d dismisses the
shown error, q quits. Otherwise the status after the first attempt is
printed.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("address", "", "Account address (required)")
	statusCmd.Flags().String("network", "", "Network key, genesis hash or chain name")
	_ = statusCmd.MarkFlagRequired("address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	address, _ := cmd.Flags().GetString("address")
	network, _ := cmd.Flags().GetString("network")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	sess, err := a.orch.Connect(ctx, orchestrator.Target{Address: address, Network: network})
	if err != nil {
		return err
	}
	defer func() { _ = a.orch.Close(sess) }()

	if !isInteractive() {
		printState(cmd, sess.Status())
		return nil
	}

	model := ui.NewStatusModel(sess, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout+time.Second)
		defer cancel()
		return a.orch.Refresh(ctx, sess)
	})
	defer model.Close()
	_, err = tea.NewProgram(model).Run()
	return err
}

func printState(cmd *cobra.Command, st device.State) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.StatusBadge(st.Status))
	if st.Message != "" {
		fmt.Fprintln(out, st.Message)
	}
	if st.RequiresManualRetry {
		fmt.Fprintln(out, "Fix the problem and run the command again.")
	}
}
