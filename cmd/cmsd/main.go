package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/rtcms/internal/cliconfig"
)

const helpDescription = `
Serve and inspect CMS communication buffers described by NML files.

Highlights:
  - Creates every buffer this host serves over shared memory or TCP.
  - Reloads NML files on change and reconciles the served buffers.
  - Configure via file, env (CMSD_*), or flags; flags win.
`

var exampleUsage = strings.TrimSpace(`
  cmsd serve --nml /etc/cms/motion.nml
  cmsd check --nml motion.nml --nml io.nml
  cmsd show --home ~/.cmsd --format yaml
  cmsd sim --nml motion.nml --buffer traj --jerk 50 --steps 1000
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the configuration shared by every subcommand.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	log     zerolog.Logger
}

// load resolves the configuration: defaults, then file, then CMSD_* env,
// then flags that were set explicitly.
func (c *cli) load(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}
	if err := cliconfig.LoadHostInfo(&c.cfg); err != nil {
		return err
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	c.log = cliconfig.Logger(c.cfg.LogLevel)
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: cliconfig.DefaultConfig(), log: cliconfig.Logger("info")}

	root := &cobra.Command{
		Use:           "cmsd",
		Short:         "Serve and inspect CMS communication buffers",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.cmsd/config.toml)")
	f.StringVar(&c.cfg.Home, "home", c.cfg.Home, "cmsd home; nml/*.nml under it is loaded when --nml is not set")
	f.StringSliceVar(&c.cfg.NMLFiles, "nml", nil, "NML file to load (repeatable, loaded in order)")
	f.StringVar(&c.cfg.Hostname, "hostname", "", "hostname used to decide which TCP buffers this host serves")
	f.StringVar(&c.cfg.ShmDir, "shm-dir", c.cfg.ShmDir, "directory holding shared memory segment files")
	f.StringVar(&c.cfg.StateDir, "state-dir", c.cfg.StateDir, "directory for the daemon state file (defaults to home)")
	f.StringVar(&c.cfg.FirmwareDir, "firmware-dir", "", "directory firmware blobs are loaded from")
	f.IntVar(&c.cfg.ConnectAttempts, "connect-attempts", c.cfg.ConnectAttempts, "TCP connection attempts before giving up")
	f.DurationVar(&c.cfg.BackoffInitial, "backoff-initial", c.cfg.BackoffInitial, "first retry delay")
	f.DurationVar(&c.cfg.BackoffMax, "backoff-max", c.cfg.BackoffMax, "maximum retry delay")
	f.DurationVar(&c.cfg.DialTimeout, "dial-timeout", c.cfg.DialTimeout, "TCP dial timeout")
	f.DurationVar(&c.cfg.AttachTimeout, "attach-timeout", c.cfg.AttachTimeout, "wait for a shared memory segment to be initialized")
	f.StringVar(&c.cfg.Comment, "comment", c.cfg.Comment, "NML comment character")
	f.BoolVar(&c.cfg.SkipInvalid, "skip-invalid", c.cfg.SkipInvalid, "log and skip malformed NML lines instead of rejecting the file")
	f.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := f.MarkHidden("state-dir"); err != nil {
		c.log.Info().Err(err).Msg("failed to hide state-dir flag")
	}

	root.AddCommand(newServeCmd(c), newCheckCmd(c), newShowCmd(c), newSimCmd(c))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		l := cliconfig.Logger("error")
		l.Error().Err(err).Msg("cmsd")
		os.Exit(1)
	}
}
