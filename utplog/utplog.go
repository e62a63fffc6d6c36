// Package utplog is the one place every endpoint and listener gets its
// structured logger from. It wraps logrus so the rest of the module logs
// through *logrus.Entry values instead of touching the global logger
// directly.
package utplog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel changes the minimum level the whole module logs at. Intended for
// use by cmd/utpcat's flag parsing, not by library code.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Endpoint returns the per-connection logger an endpoint keeps for its
// entire lifetime: trace_id and remote_addr are fixed at construction,
// state is updated as the endpoint moves through its state machine.
func Endpoint(traceID, remoteAddr string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"trace_id":    traceID,
		"remote_addr": remoteAddr,
	})
}

// WithState returns a derived entry carrying the endpoint's current state,
// so call sites don't need to thread the state string through every call.
func WithState(entry *logrus.Entry, state string) *logrus.Entry {
	return entry.WithField("state", state)
}

// Listener returns the logger a listener uses for accept-loop events.
func Listener(localAddr string) *logrus.Entry {
	return base.WithField("local_addr", localAddr)
}
