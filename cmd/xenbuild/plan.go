package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/xen/sim"
)

var planCmd = &cobra.Command{
	Use:   "plan [DOMAIN FILE]",
	Short: "Build the domains against a simulated hypervisor and print their layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := loadJobs(args[0], buildOnly)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if err := plan(cmd.Context(), cmd.OutOrStdout(), j); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringSliceVar(&buildOnly, "only", nil, "Plan only the named domains")
	rootCmd.AddCommand(planCmd)
}

func plan(ctx context.Context, out io.Writer, j *job) error {
	d, err := boot.Build(ctx, sim.New(sim.Options{}), j.platform, j.cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	fmt.Fprintf(out, "%s (%s, %s, %d vcpus)\n", j.name, j.platform.Name(),
		humanize.IBytes(d.TotalPages<<d.PageShift), d.VCPUs)
	geo := j.platform.Geometry()
	for i, pages := range d.BankPages {
		if pages == 0 {
			continue
		}
		fmt.Fprintf(out, "  bank %d: %#x + %s\n", i, geo.Banks[i].Base, humanize.IBytes(pages<<d.PageShift))
	}
	tw := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  SEGMENT\tSTART\tEND\tPFN\tSIZE")
	for _, s := range d.Segments() {
		fmt.Fprintf(tw, "  %s\t%#x\t%#x\t%#x\t%s\n", s.Name, s.VStart, s.VEnd, s.PFN, humanize.IBytes(s.Size()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "  entry %#x, console pfn %#x evtchn %d, xenstore pfn %#x evtchn %d\n",
		d.Image.VirtEntry, d.Console.PFN, d.Console.Evtchn, d.Xenstore.PFN, d.Xenstore.Evtchn)
	return nil
}
