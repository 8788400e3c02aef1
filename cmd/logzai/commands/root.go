package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/telemetry"
	"github.com/spf13/cobra"
)

// app holds the global flags shared by every subcommand.
type app struct {
	configPath string
	envFile    string
	token      string
	endpoint   string
	service    string
	protocol   string
	verbose    bool

	// controllerOpts are appended when a subcommand builds its controller.
	controllerOpts []telemetry.ControllerOption
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCommand(&app{}).ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "logzai",
		Short: "LogzAI telemetry client tool",
		Long: `logzai sends log events and spans to a LogzAI ingest endpoint over OTLP.

Configuration is read from LOGZAI_* environment variables, an optional
.env file, an optional YAML file and finally the flags below, each layer
overriding the previous one.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", telemetry.Version, telemetry.GitCommit, telemetry.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&a.envFile, "env-file", "", ".env file to load before reading LOGZAI_* variables")
	flags.StringVar(&a.token, "token", "", "ingest token (LOGZAI_TOKEN)")
	flags.StringVar(&a.endpoint, "endpoint", "", "ingest endpoint base URL (LOGZAI_ENDPOINT)")
	flags.StringVar(&a.service, "service", "", "service.name resource attribute (LOGZAI_SERVICE_NAME)")
	flags.StringVar(&a.protocol, "protocol", "", "OTLP protocol: http or grpc (LOGZAI_PROTOCOL)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "print client diagnostics")

	rootCmd.AddCommand(newSendCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// options turns the global flags into config options, lowest priority first.
func (a *app) options() []core.Option {
	var opts []core.Option
	if a.envFile != "" {
		opts = append(opts, core.WithDotEnv(a.envFile))
	}
	if a.configPath != "" {
		opts = append(opts, core.WithConfigFile(a.configPath))
	}
	if a.token != "" {
		opts = append(opts, core.WithIngestToken(a.token))
	}
	if a.endpoint != "" {
		opts = append(opts, core.WithIngestEndpoint(a.endpoint))
	}
	if a.service != "" {
		opts = append(opts, core.WithServiceName(a.service))
	}
	if a.protocol != "" {
		opts = append(opts, core.WithProtocol(a.protocol))
	}
	return opts
}

// unvalidatedConfig layers defaults, environment and flags without
// validating the result.
func (a *app) unvalidatedConfig() (*core.Config, error) {
	cfg := core.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range a.options() {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (a *app) logger(w io.Writer) *telemetry.TelemetryLogger {
	l := telemetry.NewTelemetryLogger("logzai-cli")
	if w == nil {
		w = os.Stderr
	}
	l.SetOutput(w)
	if a.verbose {
		l.SetLevel("debug")
	} else {
		l.SetLevel("warn")
	}
	return l
}

func (a *app) newController(stderr io.Writer, extra ...telemetry.ControllerOption) *telemetry.Controller {
	opts := []telemetry.ControllerOption{telemetry.WithLogger(a.logger(stderr))}
	opts = append(opts, extra...)
	opts = append(opts, a.controllerOpts...)
	return telemetry.NewController(opts...)
}
