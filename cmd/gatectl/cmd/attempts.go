package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(attemptsCmd)
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts <uid>",
	Short: "List the verification audit log of a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		list, err := store.Attempts(ctx, args[0])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No attempts.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAT\tSOURCE\tAPPROVED\tREASON\tACTOR\tCHALLENGE")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
				a.ID, a.At.Format(time.RFC3339), a.Source, a.Approved, a.Reason, a.ActorUID, a.ChallengeID)
		}
		return w.Flush()
	},
}
