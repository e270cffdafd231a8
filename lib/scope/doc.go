// Package scope tracks the temporary Vecs and Frames of a computation and removes them from the
// DKV when the computation ends, however it ends.
//
// Scopes nest: Enter returns a context carrying a new scope, Track and Promote work on the
// innermost scope of a context. Exit removes every tracked key that was not promoted; a tracked
// Vec is removed with its chunks. A Frame tracked with Track loses only its header, since its
// columns may be shared with other Frames; TrackCascade removes its columns as well (except
// promoted ones).
//
//	err := scope.Run(ctx, st, func(ctx context.Context) error {
//	    tmp, err := buildTemporary(ctx) // calls scope.Track(ctx, tmp.Key)
//	    if err != nil {
//	        return err
//	    }
//	    result, err := derive(ctx, tmp)
//	    scope.Promote(ctx, result.Key)
//	    return err
//	})
//
// The task engine tracks the output Vecs of Execute in the scope of the submitting context.
package scope
