package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// options carries the resolved persistent flags down to subcommands.
type options struct {
	cfgFile string
	server  string
	timeout time.Duration
	json    bool
}

// NewRootCmd builds the purrrctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	v := viper.New()

	root := &cobra.Command{
		Use:   "purrrctl",
		Short: "Purrr CLI - manage webhook subscriptions and deliveries",
		Long: `purrrctl talks to the Purrr webhook engine's management API.

You can use it to register subscriptions, publish events, inspect the
delivery log and resolve dead letters.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.purrrctl.yaml)")
	flags.String("server", "http://localhost:8080", "engine base URL")
	flags.Duration("timeout", 10*time.Second, "request timeout")
	flags.Bool("json", false, "output in JSON format")

	_ = v.BindPFlag("server", flags.Lookup("server"))
	_ = v.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = v.BindPFlag("json", flags.Lookup("json"))

	root.AddCommand(
		newSubscriptionCmd(opts),
		newEventCmd(opts),
		newDeliveryCmd(opts),
		newDeadLetterCmd(opts),
	)
	return root
}

// resolve layers flags over PURRRCTL_* environment variables over the
// optional config file.
func (o *options) resolve(v *viper.Viper) error {
	v.SetEnvPrefix("purrrctl")
	v.AutomaticEnv()

	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".purrrctl")
		_ = v.ReadInConfig()
	}

	o.server = strings.TrimRight(v.GetString("server"), "/")
	o.timeout = v.GetDuration("timeout")
	o.json = v.GetBool("json")
	if o.server == "" {
		return fmt.Errorf("--server is required")
	}
	return nil
}
