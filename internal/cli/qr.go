package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/ui"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Air-gapped signing over QR codes",
}

var qrSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Show the payload as QR codes and read back the signature",
	Long: `Starts an air-gapped exchange for an offline account.

In a terminal the payload is drawn as animated QR codes and the scanned
signature is pasted back. With --png-dir the frames are written as PNG
files and --signature completes the exchange.`,
	RunE: runQRSign,
}

func init() {
	rootCmd.AddCommand(qrCmd)
	qrCmd.AddCommand(qrSignCmd)

	f := qrSignCmd.Flags()
	f.String("address", "", "Offline account address (required)")
	f.String("message", "", "Message to sign")
	f.String("payload", "", "Signer payload JSON file to sign")
	f.String("chainspec", "", "Chain spec update file offered to the signer")
	f.String("metadata", "", "Metadata update file offered to the signer")
	f.String("png-dir", "", "Write the payload frames as PNG files")
	f.Int("png-size", 512, "PNG size in pixels")
	f.String("signature", "", "Scanned signature (with --png-dir)")
	_ = qrSignCmd.MarkFlagRequired("address")
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

func runQRSign(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	address, _ := f.GetString("address")
	message, _ := f.GetString("message")
	payloadPath, _ := f.GetString("payload")
	chainspecPath, _ := f.GetString("chainspec")
	metadataPath, _ := f.GetString("metadata")
	pngDir, _ := f.GetString("png-dir")
	pngSize, _ := f.GetInt("png-size")
	scanned, _ := f.GetString("signature")

	var payload signing.Payload
	switch {
	case message != "" && payloadPath != "":
		return errors.New("use either --message or --payload")
	case message != "":
		payload = signing.RawMessage{Data: message}
	case payloadPath != "":
		p, err := readExtrinsic(cmd, payloadPath)
		if err != nil {
			return err
		}
		payload = p
	default:
		return errors.New("one of --message or --payload is required")
	}

	chainspec, err := readOptional(chainspecPath)
	if err != nil {
		return err
	}
	meta, err := readOptional(metadataPath)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	x, err := a.orch.BeginAirGapExchange(signing.Request{Address: address, Payload: payload},
		orchestrator.AirGapOptions{Chainspec: chainspec, Metadata: meta})
	if err != nil {
		return err
	}

	if pngDir != "" {
		return qrToFiles(cmd, a, x, pngDir, pngSize, scanned)
	}
	if !isInteractive() {
		_ = a.orch.CancelAirGap(x)
		return errors.New("not a terminal: use --png-dir")
	}

	model := ui.NewAirGapModel(a.orch, x)
	if _, err := tea.NewProgram(model).Run(); err != nil {
		return err
	}
	sig, ok := model.Signature()
	if !ok {
		return signing.ErrCancelled
	}
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(sig.WithPrefix()))
	return nil
}

func qrToFiles(cmd *cobra.Command, a *app, x *qr.Exchange, dir string, size int, scanned string) error {
	if err := a.orch.Advance(x, qr.EventConfirm); err != nil {
		return err
	}
	frames, err := x.Frames()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	for i, frame := range frames {
		png, err := frame.PNG(size)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%03d.png", x.ID(), i))
		if err := os.WriteFile(path, png, 0600); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), path)
	}

	if scanned == "" {
		return a.orch.CancelAirGap(x)
	}
	if err := a.orch.Advance(x, qr.EventScan); err != nil {
		return err
	}
	sig, err := a.orch.Complete(cmd.Context(), x, scanned)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(sig.WithPrefix()))
	return nil
}
