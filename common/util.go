package common

import "github.com/apex/log"

// Component is the base structure embedded by every coordinator-internal
// type that logs. It carries the set of log.Fields attached to every line
// the type emits, so a log line can always be traced back to the broker,
// manager, or stream it originated from.
type Component struct {
	LogTags log.Fields
}
