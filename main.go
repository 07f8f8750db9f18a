package main

import (
	"fmt"
	"os"

	"github.com/aep/strata/client"
	"github.com/aep/strata/local"
	"github.com/aep/strata/mkmtls"
	"github.com/aep/strata/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "a transactional document store with schemas, indices and change streams",
}

func init() {
	rootCmd.AddCommand(server.CMD)
	rootCmd.AddCommand(local.CMD)
	rootCmd.AddCommand(mkmtls.CMD)
	client.RegisterCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
