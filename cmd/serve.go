// File: cmd/serve.go
package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/server"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API for task submission, chat and streaming",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to viper keys so they override file and env values.
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.pool_size", cmd.Flags().Lookup("pool-size"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Flags were bound in PreRunE; re-resolve so they take effect.
			cfg.Server.Addr = viper.GetString("server.addr")
			cfg.Browser.PoolSize = viper.GetInt("browser.pool_size")

			c, err := buildCore(ctx, cfg, logger)
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server, logger, c.svc)
			err = srv.Start(ctx)

			// Drain tasks and close the browser regardless of how the
			// listener stopped.
			c.shutdown(logger, cfg.Server.ShutdownTimeout+30*time.Second)
			return err
		},
	}

	serveCmd.Flags().String("addr", ":8080", "address for the HTTP listener")
	serveCmd.Flags().Int("pool-size", 4, "maximum number of concurrent browser sessions")
	return serveCmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
