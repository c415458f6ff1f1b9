package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yolodolo42/hwsign/internal/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "hwsign",
		Short: "Sign transactions with hardware and offline signers",
		Long: `hwsign signs Substrate and Ethereum payloads with Ledger devices,
a browser bridge signer, or an air-gapped QR signer.

Every signing request is confirmed on the device; nothing leaves the
device except the signature.`,
		SilenceUsage: true,
	}
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hwsign/config.yaml)")
	rootCmd.PersistentFlags().String("chain", "ethereum", "Default EVM chain")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for accounts and the signing journal")
	_ = viper.BindPFlag(config.KeyChain, rootCmd.PersistentFlags().Lookup("chain"))
	_ = viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag(config.KeyDataDir, rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := config.DefaultDataDir()
		cobra.CheckErr(err)

		if err := os.MkdirAll(configDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create config directory: %v\n", err)
		}

		viper.AddConfigPath(configDir)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	config.SetDefaults(viper.GetViper())

	// Silently ignore missing config file - it's optional
	_ = viper.ReadInConfig()
}
