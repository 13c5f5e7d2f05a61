package cmd

import (
	"amqpav/internal/broker"
	"amqpav/internal/client"
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"context"
	"fmt"
	"github.com/spf13/cobra"
	"os"
	"os/signal"
	"syscall"
)

var globalEnvFile string

// runtime carries what every subcommand needs once the root has set it up.
type runtime struct {
	cfg      *config.Config
	logger   logging.Logger
	clientID string

	openBroker func(config.BrokerConfig, logging.Logger) (broker.Broker, error)
}

func NewRootCmd() *cobra.Command {
	rt := &runtime{openBroker: broker.Open}

	rootCmd := &cobra.Command{
		Use:           "amqpav",
		Short:         "ClamAV scanning over a message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if globalEnvFile != "" {
				files = append(files, globalEnvFile)
			}

			cfg, err := config.Load(files...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt.cfg = cfg
			rt.logger = logging.New(cfg.Observability.ServiceName, cfg.Observability.ServiceEnv)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				logging.Sync(rt.logger)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&globalEnvFile, "env-file", "", "dotenv file to load before the environment (default: .env)")
	rootCmd.PersistentFlags().StringVar(&rt.clientID, "client-id", "", "client identity naming the reply queue (default: CLIENT_ID, then avclient-<hostname>)")

	rootCmd.AddCommand(newServerCmd(rt))
	rootCmd.AddCommand(newCheckCmd(rt))
	rootCmd.AddCommand(newResultCmd(rt))
	rootCmd.AddCommand(newScanCmd(rt))

	return rootCmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// openClient connects to the broker and builds a client from the loaded
// config. The identity is stable across invocations so that `check` and a
// later `result` read the same reply queue. The returned func closes the
// broker.
func (rt *runtime) openClient() (*client.Client, func(), error) {
	b, err := rt.openBroker(rt.cfg.Broker, rt.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open broker: %w", err)
	}

	cfg := client.NewConfig(rt.cfg.Broker, rt.cfg.Client)
	cfg.ID = firstNonEmpty(rt.clientID, cfg.ID)
	if cfg.ID == "" {
		cfg.ID = client.DefaultID()
	}

	c := client.New(b, cfg, rt.logger)
	closeFn := func() {
		if err := b.Close(); err != nil {
			rt.logger.Error("failed to close broker", "error", err)
		}
	}
	return c, closeFn, nil
}

func printVerdict(cmd *cobra.Command, messageID string, clean bool) {
	verdict := "infected"
	if clean {
		verdict = "clean"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", messageID, verdict)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
