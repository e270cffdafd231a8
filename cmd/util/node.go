package util

import (
	"strings"

	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SetupNodeFlags adds the flags configuring a node to cmd
func SetupNodeFlags(cmd *cobra.Command, defaultEndpoint string) {
	key := "name"
	cmd.PersistentFlags().String(key, "", WrapString("Unique name of the node in the cluster (default: the endpoint)"))

	key = "endpoint"
	cmd.PersistentFlags().String(key, defaultEndpoint, WrapString("The address on which the node will listen (e.g. 0.0.0.0:7000, /tmp/dframe.sock)"))

	key = "seeds"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of endpoints of nodes in the cluster to join. Without seeds a new cluster is started"))

	key = "timeout"
	cmd.PersistentFlags().Int64(key, 5, WrapString("Timeout in seconds of requests between nodes"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times a request to another node is retried"))

	key = "workers-per-conn"
	cmd.PersistentFlags().Int(key, 64, WrapString("How many requests of one connection are processed concurrently"))

	key = "heartbeat-ms"
	cmd.PersistentFlags().Int(key, 500, WrapString("Interval of the heartbeats between nodes in milliseconds"))

	key = "suspect-after"
	cmd.PersistentFlags().Int(key, 3, WrapString("Missed heartbeat intervals after which a node is suspect"))

	key = "remove-after"
	cmd.PersistentFlags().Int(key, 10, WrapString("Missed heartbeat intervals after which a node is removed from the cluster"))

	key = "vote-timeout-ms"
	cmd.PersistentFlags().Int(key, 0, WrapString("How long a vote on a new cluster view may take in milliseconds (default: 5 heartbeats)"))

	key = "gossip-port"
	cmd.PersistentFlags().Int(key, 0, WrapString("Port for gossip based discovery of nodes (0 disables gossip)"))

	key = "gossip-join"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of gossip addresses of known nodes"))

	key = "replication"
	cmd.PersistentFlags().Int(key, 1, WrapString("Default number of copies of every value (including the home)"))

	key = "cache-size"
	cmd.PersistentFlags().Int(key, 4096, WrapString("Number of values of other nodes cached locally"))

	key = "workers"
	cmd.PersistentFlags().Int(key, 0, WrapString("Size of the task worker pool (default: number of CPUs)"))

	key = "snapshot-uri"
	cmd.PersistentFlags().String(key, "file://./snapshots", WrapString("Default location of frame snapshots (file://, mem:// or bolt://)"))

	key = "bolt-path"
	cmd.PersistentFlags().String(key, "", WrapString("Bolt database file serving the bolt:// snapshot scheme"))

	key = "metrics-endpoint"
	cmd.PersistentFlags().String(key, "", WrapString("Address serving prometheus metrics on /metrics (empty disables it)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetServerConfig reads the node configuration from viper
func GetServerConfig() common.ServerConfig {
	c := common.ServerConfig{
		Name:            viper.GetString("name"),
		Endpoint:        viper.GetString("endpoint"),
		Seeds:           splitList(viper.GetString("seeds")),
		Transport:       viper.GetString("transport"),
		Serializer:      viper.GetString("serializer"),
		WorkersPerConn:  viper.GetInt("workers-per-conn"),
		TimeoutSecond:   viper.GetInt64("timeout"),
		Retries:         viper.GetInt("retries"),
		HeartbeatMs:     viper.GetInt("heartbeat-ms"),
		SuspectAfter:    viper.GetInt("suspect-after"),
		RemoveAfter:     viper.GetInt("remove-after"),
		VoteTimeoutMs:   viper.GetInt("vote-timeout-ms"),
		GossipPort:      viper.GetInt("gossip-port"),
		GossipJoin:      splitList(viper.GetString("gossip-join")),
		Replication:     viper.GetInt("replication"),
		CacheSize:       viper.GetInt("cache-size"),
		Workers:         viper.GetInt("workers"),
		SnapshotURI:     viper.GetString("snapshot-uri"),
		BoltPath:        viper.GetString("bolt-path"),
		MetricsEndpoint: viper.GetString("metrics-endpoint"),
		LogLevel:        viper.GetString("log-level"),
	}
	if c.Name == "" {
		c.Name = c.Endpoint
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
