package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/dFrame/lib/codec"
)

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// NodeState is the lifecycle state of a node as seen by the local membership.
type NodeState int

const (
	NodeJoining NodeState = iota // heard of, not yet part of a locked view
	NodeActive                   // part of the locked view and healthy
	NodeSuspect                  // part of the locked view, missed heartbeats
	NodeLeaving                  // announced a graceful leave
	NodeFailed                   // missed heartbeats for longer than the removal grace period
)

var nodeStateNames = map[NodeState]string{
	NodeJoining: "Joining",
	NodeActive:  "Active",
	NodeSuspect: "Suspect",
	NodeLeaving: "Leaving",
	NodeFailed:  "Failed",
}

func (s NodeState) String() string {
	if name, ok := nodeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NodeState(%d)", int(s))
}

func (s NodeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *NodeState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range nodeStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", name)
}

// NodeInfo identifies a cluster member.
type NodeInfo struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"` // rpc endpoint, e.g. "10.0.0.1:7000"
	Started  int64  `json:"started"`  // unix nanos, distinguishes restarts under the same name
}

func (n NodeInfo) String() string { return n.Name + "@" + n.Endpoint }

func (n *NodeInfo) MarshalWire(w *codec.Writer) {
	w.PutString(n.Name)
	w.PutString(n.Endpoint)
	w.PutI64(n.Started)
}

func (n *NodeInfo) UnmarshalWire(r *codec.Reader) {
	n.Name = r.Str()
	n.Endpoint = r.Str()
	n.Started = r.I64()
}

// --------------------------------------------------------------------------
// View
// --------------------------------------------------------------------------

// View is an immutable, versioned set of cluster members. Members are ordered by name and a
// member's position is its stable index used for key placement.
// Views are never modified after creation; membership changes publish a new View.
type View struct {
	Version uint64
	Members []NodeInfo
}

// NewView creates a view from an unordered member list.
func NewView(version uint64, members []NodeInfo) *View {
	sorted := make([]NodeInfo, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &View{Version: version, Members: sorted}
}

// Size returns the number of members. A nil view has size 0.
func (v *View) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Members)
}

// Member returns the member at index i.
func (v *View) Member(i int) NodeInfo { return v.Members[i] }

// IndexOf returns the index of the named member or -1.
func (v *View) IndexOf(name string) int {
	if v == nil {
		return -1
	}
	i := sort.Search(len(v.Members), func(i int) bool { return v.Members[i].Name >= name })
	if i < len(v.Members) && v.Members[i].Name == name {
		return i
	}
	return -1
}

// Contains reports whether the named node is a member.
func (v *View) Contains(name string) bool { return v.IndexOf(name) >= 0 }

// Names returns the member names in index order.
func (v *View) Names() []string {
	if v == nil {
		return nil
	}
	names := make([]string, len(v.Members))
	for i, m := range v.Members {
		names[i] = m.Name
	}
	return names
}

// SameMembers reports whether both views contain the same nodes (ignoring the version).
func (v *View) SameMembers(o *View) bool {
	if v.Size() != o.Size() {
		return false
	}
	for i := range v.Members {
		if v.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}

func (v *View) String() string {
	if v == nil {
		return "View{<none>}"
	}
	return fmt.Sprintf("View{v%d [%s]}", v.Version, strings.Join(v.Names(), ", "))
}

func (v *View) MarshalWire(w *codec.Writer) {
	w.PutU64(v.Version)
	w.PutU32(uint32(len(v.Members)))
	for i := range v.Members {
		v.Members[i].MarshalWire(w)
	}
}

func (v *View) UnmarshalWire(r *codec.Reader) {
	v.Version = r.U64()
	n := r.U32()
	v.Members = make([]NodeInfo, 0, min(int(n), 1024))
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var m NodeInfo
		m.UnmarshalWire(r)
		v.Members = append(v.Members, m)
	}
}
