// Package netlog provides the structured logger shared by every
// protocol engine. It follows the teacher's direct package-level
// logrus usage (cmd/get/main.go: logrus.Infof/Fatalf) rather than
// introducing a custom logging interface, adding only a per-event
// correlation id (github.com/rs/xid, as used for connection ids in the
// teacher's cmd/exporter_example2) so a dispatcher event and every log
// line it produces can be tied together.
package netlog

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Log is the module-wide logger. Callers needing one-off field sets
// use Log.WithField directly, as logrus itself encourages.
var Log = logrus.StandardLogger()

// NewCorrelationID returns a short globally-sortable id for tagging
// the log lines produced while handling one dispatcher event.
func NewCorrelationID() string {
	return xid.New().String()
}

// WithCID returns an entry pre-tagged with a correlation id, the
// logging idiom pkg/stack's dispatcher uses for every NETIF_RECV event
// it processes.
func WithCID(cid string) *logrus.Entry {
	return Log.WithField("cid", cid)
}
