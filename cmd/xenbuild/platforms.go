package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinyrange/xenbuild/internal/boot/factory"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List the supported guest platforms and their memory maps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		host := factory.ForHost().Name()
		for _, kind := range factory.Kinds() {
			p, err := factory.New(kind)
			if err != nil {
				return err
			}
			marker := ""
			if kind == host {
				marker = " (host default)"
			}
			fmt.Fprintf(out, "%s%s\n", kind, marker)
			geo := p.Geometry()
			for i, b := range geo.Banks {
				fmt.Fprintf(out, "  bank %d: %#x + %s\n", i, b.Base, humanize.IBytes(b.Size))
			}
			if len(geo.Levels) > 0 {
				orders := make([]string, len(geo.Levels))
				for i, l := range geo.Levels {
					orders[i] = fmt.Sprint(l)
				}
				fmt.Fprintf(out, "  population orders: %s\n", strings.Join(orders, ", "))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(platformsCmd)
}
