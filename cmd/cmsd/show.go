package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bft-labs/rtcms/pkg/nml"
)

// processView is a process line with its transport flattened for dumping.
type processView struct {
	nml.ProcessLine `yaml:",inline"`
	Transport       string `yaml:"transport" toml:"transport"`
}

type catalogView struct {
	Files     []string         `yaml:"files" toml:"files"`
	Buffers   []nml.BufferLine `yaml:"buffers" toml:"buffers"`
	Processes []processView    `yaml:"processes" toml:"processes"`
}

func viewOf(c *nml.Catalog) catalogView {
	v := catalogView{Files: c.Files(), Buffers: c.Buffers().Lines()}
	for _, p := range c.Processes().Lines() {
		v.Processes = append(v.Processes, processView{ProcessLine: p, Transport: p.Transport.String()})
	}
	return v
}

func newShowCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged buffer and process configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			catalog, err := c.loadCatalog()
			if err != nil {
				return err
			}
			return writeCatalog(cmd.OutOrStdout(), viewOf(catalog), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, yaml or toml")
	return cmd
}

func writeCatalog(w io.Writer, v catalogView, format string) error {
	switch format {
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BUFFER\tSIZE\tDEPTH\tNEUTRAL\tFIRMWARE\tSOURCE")
		for _, b := range v.Buffers {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\t%s:%d\n",
				b.Name, b.BufferSize, b.MaxQueueLength, b.NeutralEncoding, b.Firmware, b.SourceFile, b.LineNumber)
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "PROCESS\tBUFFER\tTRANSPORT\tSERVER\tMASTER\tSOURCE")
		for _, p := range v.Processes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s:%d\n",
				p.Name, p.BufferName, p.Transport, p.SetToServer, p.SetToMaster, p.SourceFile, p.LineNumber)
		}
		return tw.Flush()
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(v)
	default:
		return fmt.Errorf("unknown format %q (want table, yaml or toml)", format)
	}
}
