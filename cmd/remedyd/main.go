// remedyd receives "issue opened" webhooks and turns each one into an
// automated remediation run: a BEFORE/AFTER environment pair, an agent fix,
// and a pull request.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "remedyd",
	Short:         "remedyd turns reported issues into automated fix pull requests",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the remedyd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("remedyd " + version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "remedyd: %v\n", err)
		os.Exit(1)
	}
}
