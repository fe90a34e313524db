// Package idgen generates the opaque identifiers used for sessions and
// segments. Upload batch ids come from the backend's presign response.
package idgen

import "github.com/google/uuid"

// NewSessionID generates an SDK-side session identifier, used when the
// host does not supply a server-assigned one.
func NewSessionID() string {
	return uuid.NewString()
}

// NewSegmentID generates a client-side correlation id for a single
// screenshots/hierarchy segment upload attempt.
func NewSegmentID() string {
	return uuid.NewString()
}
