package frame

import (
	"fmt"

	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/client"
	"github.com/spf13/cobra"
)

var (
	// FrameCommands represents the frame command group
	FrameCommands = &cobra.Command{
		Use:   "frame",
		Short: "Build, analyse and snapshot frames",
	}

	// saveCmd represents the save command
	saveCmd = &cobra.Command{
		Use:   "save [frame] [uri]",
		Short: "Write a snapshot of a frame",
		Long:  "Write a snapshot of the frame and all its vecs to uri (file://, mem:// or bolt://). Without uri the snapshot location configured on the node is used.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSave,
	}

	// restoreCmd represents the restore command
	restoreCmd = &cobra.Command{
		Use:   "restore [uri]",
		Short: "Load a frame snapshot into the cluster",
		Args:  cobra.RangeArgs(0, 1),
		RunE:  runRestore,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	FrameCommands.AddCommand(demoCmd)
	FrameCommands.AddCommand(saveCmd)
	FrameCommands.AddCommand(restoreCmd)

	// save and restore talk to a running node, demo runs its own
	util.SetupRPCClientFlags(saveCmd)
	util.SetupRPCClientFlags(restoreCmd)
}

// frameClient connects to the node given by the client flags
func frameClient(cmd *cobra.Command) (*client.FrameClient, error) {
	if err := util.BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	conn, err := util.GetConnection()
	if err != nil {
		return nil, err
	}
	return client.NewRPCFrameClient(conn.Config, conn.Factory(), conn.Serializer)
}

func runSave(cmd *cobra.Command, args []string) error {
	c, err := frameClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	uri := ""
	if len(args) == 2 {
		uri = args[1]
	}
	if err := c.SaveFrame(cmd.Context(), store.FrameKey(args[0]), uri); err != nil {
		return err
	}
	fmt.Printf("saved %s\n", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	c, err := frameClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	uri := ""
	if len(args) == 1 {
		uri = args[0]
	}
	keys, err := c.Restore(cmd.Context(), uri)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}
