package service

import "github.com/meshlink/coapcore"

// logf is the same optional, nil-safe logging helper every engine in
// this module family uses: a nil Logger silently no-ops.
func logf(l coap.Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
