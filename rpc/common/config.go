package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/store/dstore"
	"github.com/ValentinKolb/dFrame/lib/task"
)

// --------------------------------------------------------------------------
// helper functions to configure the node components (for the server)
// --------------------------------------------------------------------------

// ToMembershipConfig converts the ServerConfig to the config of the cluster membership.
// fingerprint is the fingerprint of the codec registry the node runs with.
func (c *ServerConfig) ToMembershipConfig(fingerprint uint64) cluster.Config {
	return cluster.Config{
		Self:              cluster.NodeInfo{Name: c.Name, Endpoint: c.Endpoint, Started: time.Now().UnixNano()},
		Seeds:             c.Seeds,
		HeartbeatInterval: time.Duration(c.HeartbeatMs) * time.Millisecond,
		SuspectAfter:      c.SuspectAfter,
		RemoveAfter:       c.RemoveAfter,
		VoteTimeout:       time.Duration(c.VoteTimeoutMs) * time.Millisecond,
		Fingerprint:       fingerprint,
	}
}

// ToStoreConfig converts the ServerConfig to the config of the distributed store.
func (c *ServerConfig) ToStoreConfig() dstore.Config {
	return dstore.Config{
		Replication: c.Replication,
		CacheSize:   c.CacheSize,
		Timeout:     c.Timeout(),
		Retries:     c.Retries,
	}
}

// ToEngineConfig converts the ServerConfig to the config of the task engine.
func (c *ServerConfig) ToEngineConfig() task.Config {
	return task.Config{
		Workers:       c.Workers,
		CancelTimeout: c.Timeout(),
	}
}

// ToPeerClientConfig returns the client config used for requests to other nodes.
func (c *ServerConfig) ToPeerClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond:          int(c.TimeoutSecond),
		RetryCount:             c.Retries,
		ConnectionsPerEndpoint: 1,
	}
}

// Timeout returns the request timeout (default 5s).
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutSecond <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSecond) * time.Second
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a node.
type ServerConfig struct {
	// Node identity
	Name     string
	Endpoint string
	Seeds    []string // endpoints of known nodes, empty starts a new cluster

	// Transport
	Transport      string // tcp, unix or mem
	Serializer     string // binary or json
	WorkersPerConn int
	TimeoutSecond  int64
	Retries        int

	// Membership
	HeartbeatMs   int
	SuspectAfter  int
	RemoveAfter   int
	VoteTimeoutMs int
	GossipPort    int      // 0 disables gossip discovery
	GossipJoin    []string // gossip addresses of known nodes

	// Store and tasks
	Replication int
	CacheSize   int
	Workers     int

	// Snapshots
	SnapshotURI string // default target of snapshot requests, e.g. file:///var/lib/dframe
	BoltPath    string // optional bolt file served as the "bolt" backend

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// Validate checks the values that have no usable default.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("node endpoint must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Replication < 0 {
		return fmt.Errorf("replication must not be negative, got %d", c.Replication)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node Identity
	addSection("Node Identity")
	addField("Name", c.Name)
	addField("Endpoint", c.Endpoint)

	// RPC settings
	addSection("RPC Server")
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Workers Per Conn", strconv.Itoa(c.WorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retries", strconv.Itoa(c.Retries))

	// Membership
	addSection("Membership")
	addField("Heartbeat", fmt.Sprintf("%d ms", c.HeartbeatMs))
	addField("Suspect After", fmt.Sprintf("%d heartbeats", c.SuspectAfter))
	addField("Remove After", fmt.Sprintf("%d heartbeats", c.RemoveAfter))
	addField("Vote Timeout", fmt.Sprintf("%d ms", c.VoteTimeoutMs))
	if c.GossipPort > 0 {
		addField("Gossip Port", strconv.Itoa(c.GossipPort))
	} else {
		addField("Gossip Port", "disabled")
	}

	// Store and tasks
	addSection("DKV")
	addField("Replication", strconv.Itoa(c.Replication))
	addField("Cache Size", strconv.Itoa(c.CacheSize))
	addSection("Tasks")
	addField("Workers", strconv.Itoa(c.Workers))

	// Snapshots
	if c.SnapshotURI != "" || c.BoltPath != "" {
		addSection("Snapshots")
		addField("Snapshot URI", c.SnapshotURI)
		addField("Bolt File", c.BoltPath)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	// Seeds
	addSection("Seeds")
	if len(c.Seeds) == 0 {
		sb.WriteString("  (none, starting a new cluster)\n")
	}
	for i, seed := range c.Seeds {
		addField(strconv.Itoa(i), seed)
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// Timeout returns the request timeout, 0 means no timeout.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
