package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/mycdn/mycdnd.toml"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createCheckCommand(c, globalFlags),
		createPluginsCommand(c, globalFlags),
		createStatusCommand(c),
		createHistoryCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mycdnd",
		Short: "Mirror site daemon",
		Long: `mycdnd keeps a set of mirror sites up to date. Each site is initialized
once by its plugin's initializer and then synchronized on a cron schedule by
its updater.

Examples:
  mycdnd serve --config=/etc/mycdn/mycdnd.toml
  mycdnd check-config --config=./mycdnd.toml
  mycdnd status --api-url=http://127.0.0.1:8090/api
  mycdnd history debian --limit=20`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", defaultConfigPath, "path to TOML config file")
	return root
}

func createServeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the daemon",
		Long: `Run the daemon in the foreground until SIGINT or SIGTERM.

Examples:
  mycdnd serve
  mycdnd serve ./mycdnd.toml
  mycdnd serve --daemonize --pidfile=/run/mycdn/mycdnd.pid --logfile=/var/log/mycdn/mycdnd.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return c.Serve(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout and stderr to file")
	return cmd
}

func createCheckCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config [config.toml]",
		Short: "Validate the configuration and plugin programs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return c.Check(path)
		},
	}
}

func createPluginsCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins known to the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Plugins(globalFlags.ConfigPath)
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [site]",
		Short: "Show the state of all sites or of one site",
		Long: `Query a running daemon over its HTTP status API.

Examples:
  mycdnd status
  mycdnd status debian --api-url=http://mirror1:8090/api`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Site = args[0]
			}
			return c.Status(*f)
		},
	}
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <site>",
		Short: "Show recent run history of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Site = args[0]
			return c.History(*f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of events to show")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", defaultAPIURL, "daemon API URL")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}
