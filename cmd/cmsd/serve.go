package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rtcms/internal/daemon"
	"github.com/bft-labs/rtcms/pkg/log"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the buffers this host owns until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			c.log.Info().Interface("config", c.cfg).Msg("configuration")

			logger := log.NewZerologAdapterWithLogger(c.log)
			d, err := daemon.New(daemon.Config{
				NMLFiles:       c.cfg.NMLFiles,
				StateDir:       c.cfg.StateDir,
				MetricsAddr:    c.cfg.MetricsAddr,
				FirmwareDir:    c.cfg.FirmwareDir,
				Watch:          c.cfg.Watch,
				ReloadDebounce: c.cfg.ReloadDebounce,
				Factory:        c.cfg.FactoryConfig(),
				NMLOptions:     c.cfg.NMLOptions(logger),
			}, daemon.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			for _, ch := range d.Channels() {
				c.log.Info().Str("buffer", ch.Buffer).Str("process", ch.Process).
					Str("transport", ch.Transport).Msg("serving")
			}

			crashed := make(chan struct{})
			go func() {
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if d.Status() == daemon.StateCrashed {
							close(crashed)
							return
						}
					}
				}
			}()

			select {
			case <-sigCh:
				c.log.Info().Msg("received signal, stopping...")
			case <-crashed:
				c.log.Error().Msg("daemon crashed")
			}

			if err := d.Stop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&c.cfg.MetricsAddr, "metrics-addr", c.cfg.MetricsAddr, "address for /metrics and /status (empty disables)")
	cmd.Flags().BoolVar(&c.cfg.Watch, "watch", c.cfg.Watch, "reload NML files when they change")
	cmd.Flags().DurationVar(&c.cfg.ReloadDebounce, "reload-debounce", c.cfg.ReloadDebounce, "quiet period before a changed file is reloaded")
	return cmd
}
