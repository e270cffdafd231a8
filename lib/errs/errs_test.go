package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeNone},
		{errors.New("plain"), CodeInternal},
		{&DecodeError{TypeID: 7}, CodeDecode},
		{fmt.Errorf("wrapped: %w", &LockConflictError{Frame: "f"}), CodeLockConflict},
		{&TaskError{Chunk: 1, Node: "n1", Cause: &NodeUnavailableError{Node: "n2"}}, CodeTask},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFromWireKeepsTypeAndMessage(t *testing.T) {
	orig := &TaskError{Chunk: 3, Node: "n2", Cause: errors.New("boom")}
	rebuilt := FromWire(CodeOf(orig), orig.Error())

	var te *TaskError
	if !errors.As(rebuilt, &te) {
		t.Fatalf("expected *TaskError, got %T", rebuilt)
	}
	if rebuilt.Error() != orig.Error() {
		t.Errorf("message changed: %q != %q", rebuilt.Error(), orig.Error())
	}

	if FromWire(CodeNone, "") != nil {
		t.Error("CodeNone must map to nil")
	}

	var nc *MembershipNotConvergedError
	if !errors.As(FromWire(CodeNotConverged, "voting"), &nc) {
		t.Error("expected *MembershipNotConvergedError")
	}
}
