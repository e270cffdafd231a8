package serve

import (
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dFrame node",
		Long:    `Start a dFrame node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DFRAME_<flag> (e.g. DFRAME_HEARTBEAT_MS=200)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupNodeFlags(ServeCmd, "0.0.0.0:7000")
}

// processConfig binds the flags to viper and initializes the loggers
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// run starts the node and serves until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	config := cmdUtil.GetServerConfig()

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}
	factory, err := cmdUtil.GetClientFactory()
	if err != nil {
		return err
	}

	serv, err := server.NewRPCServer(config, t, factory, s)
	if err != nil {
		return err
	}

	// leave the cluster gracefully on shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		server.Logger.Infof("received %s, leaving the cluster", sig)
		if err := serv.Close(); err != nil {
			server.Logger.Warningf("shutdown: %v", err)
		}
	}()

	return serv.Serve()
}
