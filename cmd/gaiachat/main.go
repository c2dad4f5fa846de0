package main

import (
	"os"

	"github.com/go-go-golems/gaiachat/pkg/logging"
	"github.com/go-go-golems/gaiachat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "gaiachat",
	Short: "gaiachat talks to a Gaia chat service and keeps branching chat histories",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if err := settings.InitViper(viper.GetViper(), configPath); err != nil {
			return err
		}
		if err := bindRootFlags(cmd); err != nil {
			return err
		}
		// reinitialize the logger now that --log-level and co are parsed
		return logging.InitLoggerFromViper()
	},
	SilenceUsage: true,
}

func bindRootFlags(cmd *cobra.Command) error {
	flags := cmd.Root().PersistentFlags()
	bindings := map[string]string{
		"base_url":      "base-url",
		"store.backend": "store-backend",
		"store.path":    "store-path",
		"log-level":     "log-level",
		"log-format":    "log-format",
		"log-file":      "log-file",
		"with-caller":   "with-caller",
		"verbose":       "verbose",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return errors.Wrapf(err, "could not bind --%s", flag)
		}
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default $HOME/.gaiachat/config.yaml)")
	flags.String("base-url", "", "Base URL of the chat service")
	flags.String("store-backend", "", "Chat storage backend (file, sqlite, memory)")
	flags.String("store-path", "", "Chat storage location")
	flags.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("log-file", "", "Also log to this file")
	flags.Bool("with-caller", false, "Log caller information")
	flags.Bool("verbose", false, "Log event routing")

	rootCmd.AddCommand(
		newChatCommand(),
		newSendCommand(),
		newEditCommand(),
		newRegenerateCommand(),
		newCycleCommand(),
		newModelsCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
