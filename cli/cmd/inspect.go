package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/routes"
)

var (
	inspectJSON bool
)

var (
	labelColor = color.New(color.FgCyan)
	idColor    = color.New(color.FgYellow)
	warnColor  = color.New(color.FgRed)
)

func printObject(w io.Writer, obj routes.ObjectResponse) {
	idColor.Fprintf(w, "object %d", obj.ID)
	fmt.Fprintf(w, " (version %d)\n", obj.Version)
	if obj.IsDirty {
		warnColor.Fprintln(w, "  dirty")
	}
	labelColor.Fprint(w, "  checkouts: ")
	fmt.Fprintln(w, obj.CheckoutCount)
	if obj.LastTransaction != "" {
		labelColor.Fprint(w, "  last transaction: ")
		fmt.Fprintln(w, obj.LastTransaction)
	}
	labelColor.Fprint(w, "  references:")
	for _, ref := range obj.References {
		fmt.Fprint(w, " ")
		idColor.Fprint(w, ref)
	}
	fmt.Fprintln(w)
	names := make([]string, 0, len(obj.Fields))
	for name := range obj.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		labelColor.Fprintf(w, "  %s: ", name)
		fmt.Fprintln(w, obj.Fields[name])
	}
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [object id]...",
	Short: "Inspect objects held by the server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if len(args) == 0 {
			bailf("inspect requires at least one object id")
		}
		c := newClient()
		objects := make([]routes.ObjectResponse, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				bailf("invalid object id: %s", arg)
			}
			obj, err := c.Object(ctx, objectid.ID(id))
			checkErr(err)
			objects = append(objects, obj)
		}
		if inspectJSON {
			checkErr(util.PrintJSON(os.Stdout, objects))
			return
		}
		for _, obj := range objects {
			printObject(os.Stdout, obj)
		}
	},
}

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List root bindings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		roots, err := newClient().Roots(ctx)
		checkErr(err)
		if inspectJSON {
			checkErr(util.PrintJSON(os.Stdout, roots))
			return
		}
		names := make([]string, 0, len(roots))
		for name := range roots {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			labelColor.Printf("%s: ", name)
			idColor.Println(roots[name])
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(rootsCmd)
	inspectCmd.PersistentFlags().BoolVarP(&inspectJSON, "json", "", false, "Output in JSON format")
	rootsCmd.PersistentFlags().BoolVarP(&inspectJSON, "json", "", false, "Output in JSON format")
}
