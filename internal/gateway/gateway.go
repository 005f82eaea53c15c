// Package gateway holds the operator entry points that sit in front of a
// run, such as the interactive shell and the inspect API.
package gateway

import "context"

// Gateway is a long-running operator surface bound to one run.
type Gateway interface {
	// Start serves until ctx is canceled or Stop is called. A clean
	// shutdown returns nil.
	Start(ctx context.Context) error

	// Stop shuts the gateway down; ctx bounds the grace period.
	Stop(ctx context.Context) error
}
