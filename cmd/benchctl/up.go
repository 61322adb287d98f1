package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/benchctl/internal/auth"
	"github.com/danmuck/benchctl/internal/config"
	"github.com/danmuck/benchctl/internal/expose"
	"github.com/danmuck/benchctl/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const tokenEnv = "BENCHCTL_TOKEN"

// envTokens reads a comma separated token list from the environment.
func envTokens() []string {
	v := os.Getenv(tokenEnv)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func newUpCmd() *cobra.Command {
	var (
		listen  string
		origins []string
		tokens  []string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build the bench and serve its control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			b, err := config.LoadBench(path)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Str("bench", b.Name).Msg("loaded bench")
			if listen == "" {
				listen = b.Listen
			}

			reg, err := registry.Build(b, registry.DefaultFactories(), baseDir(path))
			if err != nil {
				return err
			}
			defer func() {
				if err := reg.DeleteAll(); err != nil {
					log.Warn().Err(err).Msg("bench teardown incomplete")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				log.Info().Str("bench", b.Name).Msg("bench up, no listen address; waiting for signal")
				<-ctx.Done()
				return nil
			}
			cfg := expose.Config{Addr: listen, CORSOrigins: origins}
			if len(tokens) > 0 {
				cfg.Validator = auth.AnyToken(tokens...)
			}
			srv := expose.New(b.Name, reg, cfg)
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "control API address (overrides the bench file)")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origins")
	cmd.Flags().StringSliceVar(&tokens, "token", envTokens(), "bearer tokens accepted on control POSTs, repeatable (default $"+tokenEnv+")")
	return cmd
}

