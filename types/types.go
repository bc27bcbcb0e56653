// Package types contains the domain types shared between the marketplace
// adapters and the benchmark pipeline. We define this package separately so
// that we can safely pass these types around to other packages without
// introducing import cycles.
package types // import "github.com/am17an/vastai-llama-bench/types"

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch offer and instance
// IDs, for instance.

type (
	// An OfferID identifies a rentable listing on a GPU marketplace. On
	// vast.ai this is the ask contract ID returned by an offer search; on EC2
	// it is the availability zone of a spot price record.
	OfferID string

	// An InstanceID identifies a rented instance. It only exists once an
	// offer has been accepted and is the handle used for status polling and
	// teardown.
	InstanceID string
)

// An InstanceStatus is the lifecycle state of a rented instance, normalized
// across marketplaces.
type InstanceStatus string

const (
	// StatusProvisioning covers everything between accepting an offer and the
	// machine being ready: image pull, boot, network setup.
	StatusProvisioning InstanceStatus = "provisioning"
	// StatusRunning means the instance is up and reachable over SSH.
	StatusRunning InstanceStatus = "running"
	// StatusStopped means the instance exists but is not running.
	StatusStopped InstanceStatus = "stopped"
	// StatusFailed means the marketplace reported an unrecoverable error.
	StatusFailed InstanceStatus = "failed"
	// StatusUnknown is used when the marketplace returns a state we do not
	// recognize, or no state at all.
	StatusUnknown InstanceStatus = "unknown"
)

// Terminal returns true if no amount of waiting will move the instance out
// of this status.
func (s InstanceStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// An Offer is a rentable GPU listing returned by a marketplace search.
type Offer struct {
	ID           OfferID
	GPUName      string
	NumGPUs      int
	PricePerHour float64
	DiskGB       float64
	Location     string
	// Reliability is the marketplace's 0..1 host reliability score, when the
	// marketplace reports one. Informational only.
	Reliability float64
}

// An Instance is a rented machine on a marketplace.
type Instance struct {
	ID     InstanceID
	Status InstanceStatus
	// RawStatus is the marketplace's own state string, kept for logging.
	RawStatus    string
	GPUName      string
	PricePerHour float64
	Label        string
}

// ConnectionInfo holds everything needed to reach an instance over SSH.
type ConnectionInfo struct {
	User string
	Host string
	Port int
}
