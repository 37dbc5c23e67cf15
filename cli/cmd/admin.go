package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/txobjmgr"
)

var (
	evictKeep  int
	gcHistory  bool
	applyInput string
)

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Run an eviction pass",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		evicted, err := newClient().Evict(ctx, evictKeep)
		checkErr(err)
		fmt.Printf("evicted %d objects\n", len(evicted))
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write dirty objects to storage",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		written, err := newClient().Checkpoint(ctx)
		checkErr(err)
		fmt.Printf("wrote %d objects\n", written)
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run a garbage collection cycle",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := newClient()
		if gcHistory {
			history, err := c.CollectHistory(ctx)
			checkErr(err)
			checkErr(util.PrintJSON(os.Stdout, history))
			return
		}
		result, err := c.Collect(ctx)
		checkErr(err)
		labelColor.Printf("iteration %d: ", result.Iteration)
		fmt.Printf("%d live, %d garbage, %d deleted in %dms\n",
			result.Live, result.Garbage, result.Deleted, result.ElapsedMS)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a JSON transaction read from a file or stdin",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		var r io.Reader = os.Stdin
		if applyInput != "" && applyInput != "-" {
			f, err := os.Open(applyInput)
			checkErr(err)
			defer f.Close()
			r = f
		}
		tx := txobjmgr.Transaction{}
		if err := json.NewDecoder(r).Decode(&tx); err != nil {
			bailf("error decoding transaction: %s", err)
		}
		receipt, err := newClient().Apply(ctx, tx)
		checkErr(err)
		checkErr(util.PrintJSON(os.Stdout, receipt))
	},
}

func init() {
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(applyCmd)

	evictCmd.PersistentFlags().IntVarP(&evictKeep, "keep", "k", 0, "Objects to leave resident")
	gcCmd.PersistentFlags().BoolVarP(&gcHistory, "history", "", false, "Show recent results instead of collecting")
	applyCmd.PersistentFlags().StringVarP(&applyInput, "file", "f", "-", "Transaction file")
}
