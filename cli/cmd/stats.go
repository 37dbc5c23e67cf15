package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/routes"
)

var statsJSON bool

func printStats(w io.Writer, stats routes.StatsResponse) {
	row := func(label string, value any) {
		labelColor.Fprintf(w, "%-14s", label)
		fmt.Fprintln(w, value)
	}
	s := stats.Status
	if s.Stopped {
		warnColor.Fprintln(w, "stopped")
	}
	row("policy", s.Policy)
	row("gc phase", s.GCPhase)
	row("resident", s.Resident)
	row("checked out", s.CheckedOut)
	row("faulting", s.Faulting)
	row("flushing", s.Flushing)
	row("missing", s.Missing)
	row("deleted", s.Deleted)
	row("parked", s.Parked)
	if c := stats.Cache; c != nil {
		row("hits", c.Hits)
		row("misses", c.Misses)
		row("hit ratio", fmt.Sprintf("%.3f", c.HitRatio))
		row("created", c.Created)
		row("faulted", c.Faulted)
		row("flushed", c.Flushed)
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		stats, err := newClient().Stats(ctx)
		checkErr(err)
		if statsJSON {
			checkErr(util.PrintJSON(os.Stdout, stats))
			return
		}
		printStats(os.Stdout, stats)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.PersistentFlags().BoolVarP(&statsJSON, "json", "", false, "Output in JSON format")
}
