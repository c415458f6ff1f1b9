package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yolodolo42/hwsign/internal/config"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/ui"
	"github.com/yolodolo42/hwsign/internal/wallet"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage signing accounts",
	Long:  `Register the accounts whose keys live on a Ledger, behind the browser bridge, or on an offline QR signer.`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account",
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Forget an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)

	f := accountsAddCmd.Flags()
	f.String("address", "", "Account address, SS58 or 0x hex (required)")
	f.String("family", "", "Chain family: substrate or ethereum (default from the address)")
	f.String("origin", "", "Where the key lives: ledger, bridge or qr")
	f.String("name", "", "Display name")
	f.String("network", "", "Default network key or genesis hash")
	f.Uint32("account-index", 0, "Ledger account index")
	f.Uint32("address-offset", 0, "Ledger address offset")
	f.String("path", "", "Ethereum derivation path override")
	f.String("curve", "sr25519", "Offline signer key type: ed25519, sr25519 or ecdsa")
	_ = accountsAddCmd.MarkFlagRequired("address")
}

func openRegistry() (*wallet.Registry, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return wallet.NewRegistry(cfg.DataDir)
}

func parseCurve(s string) (qr.Curve, error) {
	switch s {
	case "ed25519":
		return qr.CurveEd25519, nil
	case "sr25519", "":
		return qr.CurveSr25519, nil
	case "ecdsa":
		return qr.CurveEcdsa, nil
	}
	return 0, fmt.Errorf("unknown curve %q", s)
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	address, _ := f.GetString("address")
	family, _ := f.GetString("family")
	origin, _ := f.GetString("origin")
	name, _ := f.GetString("name")
	network, _ := f.GetString("network")
	accountIndex, _ := f.GetUint32("account-index")
	addressOffset, _ := f.GetUint32("address-offset")
	path, _ := f.GetString("path")
	curveName, _ := f.GetString("curve")

	if family == "" {
		family = string(signing.FamilySubstrate)
		if len(address) == 42 && address[:2] == "0x" {
			family = string(signing.FamilyEthereum)
		}
	}

	if origin == "" && isInteractive() {
		id, ok, err := ui.Select("Where does the key live?", []ui.SelectorItem{
			{ID: string(orchestrator.OriginLedger), Label: "Ledger", Description: "USB hardware wallet", Current: true},
			{ID: string(orchestrator.OriginBridge), Label: "Bridge", Description: "browser bridge signer"},
			{ID: string(orchestrator.OriginQR), Label: "QR", Description: "air-gapped signer"},
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		origin = id
	}

	curve, err := parseCurve(curveName)
	if err != nil {
		return err
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	added, err := reg.Add(orchestrator.Account{
		Address:        address,
		Name:           name,
		Origin:         orchestrator.Origin(origin),
		Family:         signing.ChainFamily(family),
		Network:        network,
		AccountIndex:   accountIndex,
		AddressOffset:  addressOffset,
		DerivationPath: path,
		Curve:          curve,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %s account %s (%s)\n", added.Family, added.Address, added.Origin)
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	list := reg.List()
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No accounts. Add one with: hwsign accounts add --address <addr>")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tFAMILY\tORIGIN\tNETWORK\tADDED")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Address, a.Name, a.Family, a.Origin, a.Network,
			time.Unix(a.CreatedAt, 0).Format(time.DateOnly))
	}
	return w.Flush()
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if err := reg.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
