package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mixer-backend/config"
	"mixer-backend/storage"
)

var (
	flagDataDir string
	log         zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mixctl",
	Short: "Inspect and manage mixer state. Store commands need the daemon to be stopped.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "mixer_data", "daemon data directory")

	log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	if !rootCmd.PersistentFlags().Changed("data-dir") && viper.IsSet("data_dir") {
		flagDataDir = viper.GetString("data_dir")
	}
}

func dataConfig() *config.Config {
	return &config.Config{DataDir: flagDataDir}
}

// withStore opens the daemon store for the duration of f.
func withStore(f func(store *storage.BadgerStore) error) error {
	store, err := storage.OpenBadger(dataConfig().StoreDir(), log.Level(zerolog.WarnLevel))
	if err != nil {
		return err
	}
	defer store.Close()
	return f(store)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
