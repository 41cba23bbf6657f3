package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facetag/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), os.Stdout, DB)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, w io.Writer, db store.Store) error {
	identities, err := db.ScanAll(ctx)
	if err != nil {
		return report("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Fprintln(w, "No identities found in store.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tFACE COUNT\tDIMENSIONS")
	fmt.Fprintln(tw, "--\t----------\t----------")

	for _, identity := range identities {
		dim := 0
		if len(identity.Embeddings) > 0 {
			dim = len(identity.Embeddings[0])
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", identity.ID, len(identity.Embeddings), dim)
	}
	tw.Flush()
	return nil
}
