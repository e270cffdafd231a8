// Package cluster maintains the membership of a dFrame cluster: the ordered list of live
// nodes every other component routes with.
//
// Views:
//
//	A View is an immutable, versioned list of NodeInfo sorted by name. The position of a node
//	in the view is its stable index, used by the DKV to place keys. A new membership is always
//	published as a new View; readers keep whatever View they loaded.
//
// Failure Detection:
//
//	Every node sends a Heartbeat to each known peer once per heartbeat interval and gets the
//	peer's heartbeat as answer. Heartbeats carry the sender's load (see LoadMeter), the version
//	of its locked view and the fingerprint of its codec registry. A peer that was not heard of
//	for SuspectAfter intervals becomes NodeSuspect, after RemoveAfter intervals NodeFailed.
//	Nodes with a different registry fingerprint are refused.
//
// Voting:
//
//	Membership changes are agreed by all nodes of the new view:
//
//	1. The coordinator (lowest named live node among those with the newest view) notices that
//	   the live nodes differ from the locked view and sends a Proposal {Round, View} to every
//	   node of the proposed view.
//	2. A node acknowledges if the proposal contains it, is newer than its locked view and the
//	   round is not older than a round it already acknowledged.
//	3. When every node acknowledged within the vote timeout, the coordinator sends a Commit and
//	   every node installs the view. Otherwise the round fails with
//	   errs.MembershipNotConvergedError and is retried with a higher round, possibly by another
//	   coordinator if the first one failed.
//
//	Until a view is committed every node keeps routing with its last locked view.
//	RequireConverged tells callers whether the live nodes match the locked view.
//
// Discovery:
//
//	Nodes join by sending heartbeats to seed endpoints. Alternatively StartGossip runs the
//	hashicorp/memberlist SWIM protocol and feeds the nodes it discovers into the membership.
package cluster
