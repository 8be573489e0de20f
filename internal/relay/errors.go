// ABOUTME: Sentinel errors for the relay router

package relay

import "errors"

// ErrNoRelays is returned when an operation is given no usable relay URLs.
var ErrNoRelays = errors.New("no usable relays")

// ErrPublishFailed is returned when a publish reaches no relay at all.
// Reaching at least one relay is a success; background settling continues.
var ErrPublishFailed = errors.New("publish reached no relays")
