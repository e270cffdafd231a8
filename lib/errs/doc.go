// Package errs defines the error kinds shared by all layers of dFrame.
//
// Every error type carries a Code. When a request fails on a remote node the code and
// the message travel back in the response envelope and FromWire rebuilds an error of the
// same type, so callers can use errors.As independent of where the failure happened:
//
//	var nu *errs.NodeUnavailableError
//	if errors.As(err, &nu) {
//	    // retry on a replica
//	}
package errs
