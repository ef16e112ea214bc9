package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/log"
	"github.com/bft-labs/rtcms/pkg/nml"
)

// loadCatalog loads the configured NML files in order.
func (c *cli) loadCatalog() (*nml.Catalog, error) {
	catalog := nml.NewCatalog(c.cfg.NMLOptions(log.NewZerologAdapterWithLogger(c.log))...)
	for _, f := range c.cfg.NMLFiles {
		if _, err := catalog.Load(f); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate NML files without serving anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			catalog, err := c.loadCatalog()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bound := map[string]bool{}
			for _, b := range catalog.Bindings() {
				bound[b.Process.Name] = true
				if cms.IsLocalServer(b.Process, c.cfg.Hostname) && b.Process.SetToServer {
					fmt.Fprintf(out, "serve  %-16s %s\n", b.Process.Name, b.Process.Transport)
				}
			}
			unbound := 0
			for _, p := range catalog.Processes().Lines() {
				if !bound[p.Name] {
					unbound++
					fmt.Fprintf(out, "warn   %s:%d: process %q names undefined buffer %q\n",
						p.SourceFile, p.LineNumber, p.Name, p.BufferName)
				}
			}
			fmt.Fprintf(out, "ok     %d files, %d buffers, %d processes, %d unbound\n",
				len(catalog.Files()), len(catalog.Buffers().Lines()), len(catalog.Processes().Lines()), unbound)
			return nil
		},
	}
}
