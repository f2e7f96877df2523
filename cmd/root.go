package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duorec/duorec/cmd/config"
	"github.com/duorec/duorec/cmd/devices"
	"github.com/duorec/duorec/cmd/list"
	"github.com/duorec/duorec/cmd/merge"
	"github.com/duorec/duorec/cmd/record"
	"github.com/duorec/duorec/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "duorec",
		Short:         "Record microphone and system audio into one file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	subcommands := []*cobra.Command{
		record.Command(settings),
		devices.Command(settings),
		merge.Command(settings),
		list.Command(settings),
		config.Command(settings),
	}

	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	// --config is consumed before settings are loaded; it is declared here so cobra accepts it
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Recordings.Dir, "recordings-dir", viper.GetString("recordings.dir"), "Recordings directory")
	rootCmd.PersistentFlags().StringVar(&settings.Database.Path, "database", viper.GetString("database.path"), "Path of the recordings index database")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
