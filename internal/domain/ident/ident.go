// Package ident generates the prefixed random identifiers used across the
// engine: evt_ audit events, apr_ approval requests, cap_ capability tokens,
// mh_ memory handles.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// New returns prefix + "_" + 2*nbytes lowercase hex characters from a
// cryptographic source.
func New(prefix string, nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken; there is
		// no sensible way to continue issuing identifiers.
		panic(fmt.Sprintf("ident: read random bytes: %v", err))
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// Event returns a new audit event id ("evt_" + 12 hex).
func Event() string { return New("evt", 6) }

// Approval returns a new approval request id ("apr_" + 12 hex).
func Approval() string { return New("apr", 6) }

// Capability returns a new capability token id ("cap_" + 24 hex).
func Capability() string { return New("cap", 12) }

// Handle returns a new memory handle id ("mh_" + 16 hex).
func Handle() string { return New("mh", 8) }

var (
	eventPattern      = regexp.MustCompile(`^evt_[0-9a-f]{12}$`)
	approvalPattern   = regexp.MustCompile(`^apr_[0-9a-f]{12}$`)
	capabilityPattern = regexp.MustCompile(`^cap_[0-9a-f]{24}$`)
)

// ValidEvent reports whether id is a well-formed audit event id.
func ValidEvent(id string) bool { return eventPattern.MatchString(id) }

// ValidApproval reports whether id is a well-formed approval request id.
func ValidApproval(id string) bool { return approvalPattern.MatchString(id) }

// ValidCapability reports whether id is a well-formed capability token id.
func ValidCapability(id string) bool { return capabilityPattern.MatchString(id) }
