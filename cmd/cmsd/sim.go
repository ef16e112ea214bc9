package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/log"
	"github.com/bft-labs/rtcms/pkg/trajectory"
)

// simParams drives a single-axis bang-bang jerk profile.
type simParams struct {
	buffer  string
	process string
	jerk    float64
	period  time.Duration
	phase   int
	steps   int
}

// jerkAt alternates +jerk and -jerk every phase steps, so acceleration
// ramps up and back down.
func (p simParams) jerkAt(step int) float64 {
	if p.phase <= 0 || (step/p.phase)%2 == 0 {
		return p.jerk
	}
	return -p.jerk
}

// simulate integrates steps states and hands each encoded state to write.
func simulate(ctx context.Context, p simParams, write func([]byte) error) (trajectory.State, error) {
	var s trajectory.State
	buf := make([]byte, trajectory.StateSize)
	dt := p.period.Seconds()

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for step := 0; p.steps <= 0 || step < p.steps; step++ {
		s = s.Step(dt, p.jerkAt(step))
		if err := trajectory.PutState(buf, s); err != nil {
			return s, err
		}
		if err := write(buf); err != nil {
			return s, err
		}
		select {
		case <-ctx.Done():
			return s, nil
		case <-ticker.C:
		}
	}
	return s, nil
}

func newSimCmd(c *cli) *cobra.Command {
	p := simParams{period: time.Millisecond, jerk: 10, phase: 250}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Write a simulated jerk-limited trajectory into a buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			if p.buffer == "" {
				return fmt.Errorf("--buffer is required")
			}
			if p.period <= 0 {
				return fmt.Errorf("--period must be positive")
			}
			catalog, err := c.loadCatalog()
			if err != nil {
				return err
			}
			logger := log.NewZerologAdapterWithLogger(c.log)
			factory, err := cms.NewCatalogFactory(catalog, c.cfg.FactoryConfig(), cms.WithLogger(logger))
			if err != nil {
				return err
			}
			defer factory.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ch, err := factory.Create(ctx, p.buffer, p.process, false, false)
			if err != nil {
				return err
			}
			defer ch.Close()

			written := 0
			final, err := simulate(ctx, p, func(b []byte) error {
				_, err := ch.Write(b)
				written++
				return err
			})
			c.log.Info().Int("states", written).Float64("pos", final.Pos).Float64("vel", final.Vel).
				Float64("acc", final.Acc).Msg("simulation finished")
			return err
		},
	}
	cmd.Flags().StringVar(&p.buffer, "buffer", "", "buffer to write trajectory states into")
	cmd.Flags().StringVar(&p.process, "process", "", "process line to connect through (defaults to the buffer name)")
	cmd.Flags().Float64Var(&p.jerk, "jerk", p.jerk, "jerk magnitude")
	cmd.Flags().DurationVar(&p.period, "period", p.period, "control period")
	cmd.Flags().IntVar(&p.phase, "phase", p.phase, "steps between jerk sign changes (0 keeps it constant)")
	cmd.Flags().IntVar(&p.steps, "steps", 0, "number of states to write (0 runs until interrupted)")
	return cmd
}
