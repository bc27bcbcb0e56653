package hosts

import (
	"github.com/am17an/vastai-llama-bench/command"
	"github.com/am17an/vastai-llama-bench/hosts/ec2"
	"github.com/am17an/vastai-llama-bench/hosts/vast"
	"github.com/am17an/vastai-llama-bench/utils"
)

// New returns the marketplace adapter for the named provider. The vast
// adapter shells out through runner; the EC2 adapter talks to AWS directly.
func New(provider string, runner command.Runner) (Marketplace, error) {
	switch provider {
	case "vast":
		return vast.New(runner), nil
	case "ec2":
		return ec2.New(), nil
	default:
		return nil, utils.MakeError("unknown provider %q, expected vast or ec2", provider)
	}
}
