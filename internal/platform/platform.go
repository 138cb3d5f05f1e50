// Package platform decides whether an installation runs local-first.
//
// Local-first installations keep a durable replica and mutation queue;
// browser-style installations are always server-dependent and never
// touch either. The orchestrator consults the classifier on every
// operation so a mode change takes effect without a restart.
package platform

import (
	"os"
	"strconv"
)

// Classifier reports the installation's deployment mode.
type Classifier interface {
	// ShouldUseLocalFirst reports whether the local replica and
	// mutation queue are active for this installation.
	ShouldUseLocalFirst() bool
}

// Static is a classifier with a fixed answer. Useful for tests and for
// installations whose mode is decided once at startup.
type Static bool

func (s Static) ShouldUseLocalFirst() bool { return bool(s) }

// FromEnv reads the mode from the TILLDESK_LOCAL_FIRST environment
// variable, defaulting to local-first when unset or unparsable.
type FromEnv struct{}

func (FromEnv) ShouldUseLocalFirst() bool {
	v := os.Getenv("TILLDESK_LOCAL_FIRST")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}
