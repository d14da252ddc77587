// Package replicator implements the abstract Replicator lifecycle (spec
// §4.5) and its two specializations, Pusher (§4.6) and Puller (§4.7).
//
// Grounded on the teacher's replicator.go/job.go: a Job describes the
// static configuration (source, target, createTarget, continuous), and
// Replicator.Run drives a sequence of named steps logged at Debug level
// (VerifyPeers, GetPeersInformation, FindCommonAncestry, ...). This
// package keeps that shape but restructures the steps into the explicit
// state machine spec §4.5 specifies, since the teacher's one-shot Run
// doesn't need online/offline transitions or continuous mode and this
// engine does.
package replicator

import (
	"time"

	"github.com/goydb/syncd/batch"
	"github.com/goydb/syncd/remote"
)

// Endpoint names one side of a replication (teacher's client.Remote,
// job.go), carrying request headers to send with every call.
type Endpoint struct {
	URL     string
	Headers map[string]string
}

// Options is the Replicator's configuration map (spec §6 "Recognized
// configuration").
type Options struct {
	// Reset clears the local checkpoint before starting.
	Reset bool
	// CreateTarget instructs a Pusher to PUT the remote DB if absent.
	CreateTarget bool
	// Continuous keeps the replicator running after initial catch-up.
	Continuous bool
	// FilterName and FilterParams identify a filtered replication: both
	// feed the checkpoint ID, and FilterName is compared by
	// HasSameSettingsAs. The Puller does not send them to the remote, and
	// the Pusher applies no local filter (its seed query runs unfiltered).
	FilterName   string
	FilterParams map[string]interface{}
	// Headers are extra request headers sent with every remote call.
	Headers map[string]string
	// BasicAuthUsername/Password seed a BasicAuthorizer when no other
	// Authorizer is supplied (spec §4.5 step 4).
	BasicAuthUsername string
	BasicAuthPassword string
	// Authorizer, when set, is installed on the remote client verbatim —
	// the only way to configure the Session/Persona login-capable
	// variants (spec §4.4); BasicAuthUsername/Password and URL userinfo
	// only ever produce a BasicAuthorizer.
	Authorizer remote.Authorizer

	// RetryInterval, CheckpointWindow, BatchCapacity, BatchDelay, and
	// ReachabilityCheck override the tuning knobs spec §5 fixes as
	// platform defaults (config.ReplicationConfig threads these through
	// from syncd.yaml). Zero means "use the default."
	RetryInterval     time.Duration
	CheckpointWindow  time.Duration
	BatchCapacity     int
	BatchDelay        time.Duration
	ReachabilityCheck time.Duration
}

// withDefaults fills any zero-valued tuning knob with the fixed default
// spec §5 names, so a caller only needs to set the ones it wants to
// override.
func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.CheckpointWindow <= 0 {
		o.CheckpointWindow = DefaultCheckpointWindow
	}
	if o.BatchCapacity <= 0 {
		o.BatchCapacity = batch.DefaultCapacity
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = batch.DefaultDelay
	}
	if o.ReachabilityCheck <= 0 {
		o.ReachabilityCheck = DefaultReachabilityCheck
	}
	return o
}
