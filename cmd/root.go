package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/clawcat/cmd/list"
	"github.com/endorses/clawcat/cmd/replay"
	"github.com/endorses/clawcat/internal/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "clawcat",
	Short:   "clawcat dissects application-layer traffic",
	Long:    `clawcat parses application-layer protocols out of captured traffic: transactions, anomaly events and fingerprints.`,
	Version: version.GetFullVersion(),
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommandPalattes() {
	rootCmd.AddCommand(replay.ReplayCmd)
	rootCmd.AddCommand(list.ListCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	addSubCommandPalattes()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clawcat.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".clawcat")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
