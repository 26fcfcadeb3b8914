package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ict/ebb/cmd/ebb/app/raise"
	"github.com/ict/ebb/cmd/ebb/app/serve"
)

var rootCmd = &cobra.Command{
	Use:   "ebb",
	Short: "Ebb is a deferred-interrupt-processing scheduler",
	Long:  `Ebb is a deferred-interrupt-processing scheduler`,
	Run: func(cmd *cobra.Command, args []string) {
		// Do Stuff Here
	},
	Args: cobra.MinimumNArgs(1),
}

func init() {
	cobra.OnInitialize()
	rootCmd.AddCommand(serve.ServeCmd)
	rootCmd.AddCommand(raise.RaiseCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
