package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dFrame/cmd/frame"
	"github.com/ValentinKolb/dFrame/cmd/kv"
	"github.com/ValentinKolb/dFrame/cmd/lock"
	"github.com/ValentinKolb/dFrame/cmd/serve"
	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dframe",
		Short: "distributed in-memory frames",
		Long: fmt.Sprintf(`dFrame (v%s)

A distributed in-memory compute substrate written in Go. Nodes form a
cluster, share a distributed key-value store and run map/reduce tasks
over columnar frames whose chunks are spread over all nodes.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dFrame",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dFrame v%s (wire fingerprint %016x)\n", Version, codec.Default.Fingerprint())
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(frame.FrameCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json). All nodes and clients of a cluster must use the same"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
