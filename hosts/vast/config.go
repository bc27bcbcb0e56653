package vast // import "github.com/am17an/vastai-llama-bench/hosts/vast"

import (
	"time"

	"github.com/hashicorp/go-version"
)

// vastCLI is the marketplace CLI this adapter shells out to.
const vastCLI = "vastai"

// The CLI is throttled so tight status polls stay under the marketplace API
// rate limits.
const (
	cliRequestInterval = 500 * time.Millisecond
	cliRequestBurst    = 4
)

// minCLIVersion is the oldest vastai CLI whose raw JSON output this adapter
// understands.
var minCLIVersion = version.Must(version.NewVersion("0.2.0"))
