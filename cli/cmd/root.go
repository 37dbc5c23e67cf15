package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wkalt/objectserver/cli/client"
	"github.com/wkalt/objectserver/cli/util"
)

var (
	serverURL string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "objectserver",
	Short: "object server and administration client",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || util.StdoutRedirected() {
			color.NoColor = true
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func bailf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func checkErr(err error) {
	if err != nil {
		bailf("error: %v", err)
	}
}

func newClient() *client.Client {
	return client.New(serverURL)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server-url", "", "http://localhost:8089", "server-url")
	rootCmd.PersistentFlags().BoolVarP(&noColor, "no-color", "", false, "disable colored output")
}
