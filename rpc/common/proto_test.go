package common

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/stretchr/testify/require"
)

func TestErrorsKeepTheirType(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"task", &errs.TaskError{Chunk: 3, Node: "n1", Cause: errors.New("boom")}, func(t *testing.T, err error) {
			var te *errs.TaskError
			require.ErrorAs(t, err, &te)
			require.Equal(t, 3, te.Chunk)
			require.Equal(t, "n1", te.Node)
			require.Equal(t, "boom", te.Cause.Error())
		}},
		{"partition", &errs.PartitionUnavailableError{Lo: 2, Hi: 4, Node: "n2"}, func(t *testing.T, err error) {
			var pe *errs.PartitionUnavailableError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, [3]any{2, 4, "n2"}, [3]any{pe.Lo, pe.Hi, pe.Node})
		}},
		{"lock", &errs.LockConflictError{Frame: "F:f", Holder: "a", Requester: "b", Msg: "upgrade"}, func(t *testing.T, err error) {
			var le *errs.LockConflictError
			require.ErrorAs(t, err, &le)
			require.Equal(t, "a", le.Holder)
			require.Equal(t, "b", le.Requester)
		}},
		{"node", &errs.NodeUnavailableError{Node: "n0", Cause: errors.New("refused")}, func(t *testing.T, err error) {
			var ne *errs.NodeUnavailableError
			require.ErrorAs(t, err, &ne)
			require.Equal(t, "n0", ne.Node)
		}},
		{"canceled", &errs.CanceledError{Task: "t1"}, func(t *testing.T, err error) {
			var ce *errs.CanceledError
			require.ErrorAs(t, err, &ce)
		}},
		{"plain", errors.New("disk full"), func(t *testing.T, err error) {
			require.Equal(t, errs.CodeInternal, errs.CodeOf(err))
			require.Equal(t, "disk full", err.Error())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewErrorResponse(tt.err)
			require.Equal(t, MsgTError, resp.MsgType)
			err := resp.Error()
			require.Error(t, err)
			require.Equal(t, tt.err.Error(), err.Error())
			tt.check(t, err)
		})
	}
}

func TestBodyCarriesRecords(t *testing.T) {
	hb := &cluster.Heartbeat{From: cluster.NodeInfo{Name: "n0", Endpoint: "mem://n0"}, Version: 4}
	req, err := NewRequest(MsgTHeartbeat, "n0", hb)
	require.NoError(t, err)
	require.Equal(t, ServiceCluster, req.MsgType.Service())

	rec, err := req.Record()
	require.NoError(t, err)
	require.Equal(t, hb, rec)

	resp := NewResponse(MsgTPropose, nil, nil)
	require.Equal(t, MsgTAck, resp.MsgType)
	rec, err = resp.Record()
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, resp.Error())
}

func TestMessageTypeJSON(t *testing.T) {
	for mt := MsgTUnknown; mt <= MsgTLockStatus; mt++ {
		data, err := mt.MarshalJSON()
		require.NoError(t, err)
		var got MessageType
		require.NoError(t, got.UnmarshalJSON(data))
		require.Equal(t, mt, got)
	}
	var mt MessageType
	require.Error(t, mt.UnmarshalJSON([]byte(`"teleport"`)))
}

func TestServerConfig(t *testing.T) {
	cfg := ServerConfig{Name: "n0", Endpoint: "127.0.0.1:7000", LogLevel: "info", HeartbeatMs: 200, Workers: 4}
	require.NoError(t, cfg.Validate())
	require.Contains(t, cfg.String(), "127.0.0.1:7000")
	require.Equal(t, "n0", cfg.ToMembershipConfig(1).Self.Name)
	require.Equal(t, 4, cfg.ToEngineConfig().Workers)

	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())
	cfg.LogLevel, cfg.Name = "info", ""
	require.Error(t, cfg.Validate())
}
