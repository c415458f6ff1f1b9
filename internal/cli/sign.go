package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/tx"
	"github.com/yolodolo42/hwsign/internal/ui"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a payload with a device-backed account",
}

var signMessageCmd = &cobra.Command{
	Use:   "message <text|0xhex>",
	Short: "Sign a message (personal_sign or <Bytes> wrapped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSign(cmd, signing.RawMessage{Data: args[0]})
	},
}

var signTypedDataCmd = &cobra.Command{
	Use:   "typed-data <file|->",
	Short: "Sign an EIP-712 typed data document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return errors.New("typed data is not valid JSON")
		}
		return runSign(cmd, signing.TypedData{JSON: data})
	},
}

var signExtrinsicCmd = &cobra.Command{
	Use:   "extrinsic <file|->",
	Short: "Sign a Substrate signer payload (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readExtrinsic(cmd, args[0])
		if err != nil {
			return err
		}
		return runSign(cmd, payload)
	},
}

var signTxCmd = &cobra.Command{
	Use:   "tx",
	Short: "Sign (and optionally broadcast) a native transfer",
	RunE:  runSignTx,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.AddCommand(signMessageCmd, signTypedDataCmd, signExtrinsicCmd, signTxCmd)

	signCmd.PersistentFlags().String("address", "", "Signing account address (required)")
	signCmd.PersistentFlags().String("network", "", "Network key, genesis hash, chain name or chain id")
	_ = signCmd.MarkPersistentFlagRequired("address")

	f := signTxCmd.Flags()
	f.String("to", "", "Recipient address (required)")
	f.String("value", "0", "Value in wei")
	f.String("data", "", "Calldata as 0x hex")
	f.Int64("nonce", -1, "Nonce override")
	f.Uint64("gas", 0, "Gas limit override")
	f.Bool("legacy", false, "Sign a type 0 transaction")
	f.Bool("broadcast", false, "Send the signed transaction")
	_ = signTxCmd.MarkFlagRequired("to")
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func readExtrinsic(cmd *cobra.Command, path string) (signing.ExtrinsicPayload, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return signing.ExtrinsicPayload{}, err
	}
	var payload signing.ExtrinsicPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return signing.ExtrinsicPayload{}, fmt.Errorf("failed to parse signer payload: %w", err)
	}
	return payload, nil
}

// signOnce connects, signs one request and closes the session.
func signOnce(cmd *cobra.Command, a *app, req signing.Request, network string) (signing.Signature, error) {
	ctx := cmd.Context()
	sess, err := a.orch.Connect(ctx, orchestrator.Target{Address: req.Address, Network: network})
	if err != nil {
		return signing.Signature{}, err
	}
	defer func() { _ = a.orch.Close(sess) }()

	if st := sess.Status(); st.Message != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.StatusBadge(st.Status), st.Message)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), ui.SystemStyle.Render("Review and confirm on the device…"))

	sig, err := a.orch.Sign(ctx, sess, req)
	if signing.IsRejected(err) {
		return signing.Signature{}, fmt.Errorf("signing was rejected on the device: %w", err)
	}
	return sig, err
}

func runSign(cmd *cobra.Command, payload signing.Payload) error {
	address, _ := cmd.Flags().GetString("address")
	network, _ := cmd.Flags().GetString("network")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sig, err := signOnce(cmd, a, signing.Request{Address: address, Payload: payload}, network)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(sig.WithPrefix()))
	return nil
}

func runSignTx(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	address, _ := f.GetString("address")
	network, _ := f.GetString("network")
	to, _ := f.GetString("to")
	valueStr, _ := f.GetString("value")
	dataHex, _ := f.GetString("data")
	nonce, _ := f.GetInt64("nonce")
	gas, _ := f.GetUint64("gas")
	legacy, _ := f.GetBool("legacy")
	broadcast, _ := f.GetBool("broadcast")

	if !common.IsHexAddress(address) || !common.IsHexAddress(to) {
		return errors.New("--address and --to must be ethereum addresses")
	}
	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return fmt.Errorf("invalid value %q", valueStr)
	}
	var data []byte
	if dataHex != "" {
		var err error
		if data, err = hexutil.Decode(dataHex); err != nil {
			return fmt.Errorf("invalid calldata: %w", err)
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	chainName := network
	if chainName == "" {
		chainName = a.cfg.Chain
	}
	if _, err := a.chains.GetChainConfig(chainName); err != nil {
		if id, ok := new(big.Int).SetString(chainName, 10); ok {
			if name, _, found := chain.ChainByID(chain.DefaultChains(), id); found {
				chainName = name
			}
		}
	}

	intent := tx.Intent{
		Chain:    chainName,
		From:     common.HexToAddress(address),
		To:       common.HexToAddress(to),
		ValueWei: value,
		Data:     data,
		Legacy:   legacy,
	}
	if nonce >= 0 {
		n := uint64(nonce)
		intent.Nonce = &n
	}
	if gas > 0 {
		intent.GasLimit = &gas
	}

	ctx := cmd.Context()
	txReq, fees, err := tx.BuildTransfer(ctx, a.chains, intent)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Gas limit %d, max cost %s wei\n", fees.GasLimit, fees.EstimatedCostWei)

	sig, err := signOnce(cmd, a, signing.Request{
		Address: address,
		Family:  signing.FamilyEthereum,
		Payload: txReq,
		Network: signing.NetworkIdentity{ID: chainName, ChainID: txReq.ChainID},
	}, chainName)
	if err != nil {
		return err
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(sig.SignedTransaction); err != nil {
		return fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, hexutil.Encode(sig.SignedTransaction))
	fmt.Fprintf(out, "hash %s\n", signed.Hash().Hex())

	if broadcast {
		if err := a.chains.SendTransaction(ctx, chainName, signed); err != nil {
			return fmt.Errorf("failed to broadcast: %w", err)
		}
		fmt.Fprintln(out, ui.SuccessStyle.Render(ui.SymbolCheck+" broadcast"))
	}
	return nil
}
