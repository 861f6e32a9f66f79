// Command disclaimr runs the disclaimer milter and its maintenance tasks.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/d--j/go-disclaimr/internal/config"
	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"

	configPath string
	cfg        *config.Config
	fs         = afero.NewOsFs()
)

func newRootCmd() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "disclaimr",
		Short:         "Milter that adds disclaimers to mails",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			loaded, err := config.Load(v, fs, configPath)
			if err != nil {
				return err
			}
			if err := log.Setup(cmd.ErrOrStderr(), loaded.Log.Level, loaded.Log.Format); err != nil {
				return fmt.Errorf("log.level: %w", err)
			}
			for _, line := range config.Dump(v) {
				if strings.HasPrefix(line, "repository.dsn") {
					continue
				}
				log.Debug().Msg(line)
			}
			cfg = loaded
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML configuration file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	flags.String("repository-driver", "sqlite3", "configuration store: sqlite3, mysql, postgres or file")
	flags.String("repository-dsn", "disclaimr.sqlite", "data source name of the SQL configuration store")
	flags.String("repository-file", "", "YAML file with the configuration when the driver is file")

	root.AddCommand(newServeCmd(), newCheckCmd(), newProbeCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
