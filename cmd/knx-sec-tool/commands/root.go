package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/device"
)

var (
	configPath    string
	logLevel      string
	settings      config.Config
	loggerFactory logging.LoggerFactory
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "knx-sec-tool",
		Short:        "Inspect and exercise KNX-IoT device security",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			settings = config.Default()
			if configPath != "" {
				if settings, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if err := applyOverrides(cmd.Flags(), &settings); err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			loggerFactory, err = newLoggerFactory(logLevel)
			return err
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.String("device-id", "", "hex device id (overrides the configuration)")
	pf.String("storage", "", "storage backend: memory, file or sqlite")
	pf.String("storage-path", "", "storage directory (file) or database (sqlite)")
	pf.StringVar(&logLevel, "log-level", "error", "log level: disabled, error, warn, info, debug or trace")

	root.AddCommand(
		tokensCmd(),
		deriveCmd(),
		demoCmd(),
		serveCmd(),
		pairCmd(),
		requestCmd(),
		configCmd(),
	)
	return root
}

// applyOverrides copies explicitly set flags over the loaded configuration.
func applyOverrides(fs *pflag.FlagSet, c *config.Config) error {
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"device-id", &c.Device.ID},
		{"storage", &c.Storage.Backend},
		{"storage-path", &c.Storage.Path},
	}
	for _, o := range overrides {
		if !fs.Changed(o.flag) {
			continue
		}
		v, err := fs.GetString(o.flag)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	return nil
}

func newLoggerFactory(level string) (logging.LoggerFactory, error) {
	levels := map[string]logging.LogLevel{
		"disabled": logging.LogLevelDisabled,
		"error":    logging.LogLevelError,
		"warn":     logging.LogLevelWarn,
		"info":     logging.LogLevelInfo,
		"debug":    logging.LogLevelDebug,
		"trace":    logging.LogLevelTrace,
	}
	l, ok := levels[strings.ToLower(level)]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = l
	lf.Writer = os.Stderr
	return lf, nil
}

// openDevice builds the device described by the effective configuration.
func openDevice() (*device.Device, error) {
	return device.New(device.Config{Settings: settings, LoggerFactory: loggerFactory})
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := settings.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
