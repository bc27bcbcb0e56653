// Package hosts defines the marketplace abstraction the benchmark pipeline
// runs against. Each supported GPU provider lives in its own subpackage and
// implements Marketplace.
package hosts // import "github.com/am17an/vastai-llama-bench/hosts"

import (
	"context"

	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/types"
)

// Marketplace is the set of operations the pipeline needs from a GPU
// provider: find offers, rent one, watch it come up, and give it back.
type Marketplace interface {
	// Initialize verifies the adapter can talk to its provider and stores
	// the run configuration. It must be called before any other method.
	Initialize(ctx context.Context, cfg *config.Config) error

	// SearchOffers returns rentable offers for the configured GPU model and
	// count. Offers are returned unsorted; selection policy lives in the
	// caller.
	SearchOffers(ctx context.Context) ([]types.Offer, error)

	// LaunchInstance accepts an offer and returns the new instance's ID.
	LaunchInstance(ctx context.Context, offer types.Offer) (types.InstanceID, error)

	// InstanceStatus reports the current state of an instance. An instance
	// the provider no longer lists is reported with StatusUnknown, not an
	// error, since listings briefly lag both creation and destruction.
	InstanceStatus(ctx context.Context, id types.InstanceID) (types.Instance, error)

	// ConnectionInfo returns how to reach a running instance over SSH.
	ConnectionInfo(ctx context.Context, id types.InstanceID) (types.ConnectionInfo, error)

	// DestroyInstance releases an instance. Destroying an instance that is
	// already gone is not an error.
	DestroyInstance(ctx context.Context, id types.InstanceID) error
}
