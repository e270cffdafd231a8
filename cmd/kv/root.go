package kv

import (
	"strings"

	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcStore store.IStore

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Perform key-value store operations",
		Long:              "Read and write keys of the DKV. Plain names address user data keys, names with a kind prefix (e.g. vec:prices) any key.",
		PersistentPreRunE: setupKVClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(casCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(hasCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the RPC store client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conn, err := util.GetConnection()
	if err != nil {
		return err
	}

	// Create the KV store client
	rpcStore, err = client.NewRPCStore(conn.Config, conn.Factory(), conn.Serializer)
	return err
}

// parseKey reads a key argument. Names without a known kind prefix are data keys.
func parseKey(arg string) store.Key {
	if strings.Contains(arg, ":") {
		if k, err := store.ParseKey(arg); err == nil {
			return k
		}
	}
	return store.DataKey(arg)
}
