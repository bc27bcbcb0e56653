package ec2

import (
	"strings"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/am17an/vastai-llama-bench/utils"
)

// defaultRegion is used when the run configuration does not name one.
const defaultRegion = "us-east-1"

// sshPort is fixed on EC2; unlike vast.ai there is no per-instance port
// mapping in front of the machine.
const sshPort = 22

// instanceTypes maps a GPU model and count to the EC2 instance type that
// carries it. EC2 sells fixed shapes, so only the counts listed here are
// available.
var instanceTypes = map[string]map[int]ec2types.InstanceType{
	"t4": {
		1: ec2types.InstanceTypeG4dnXlarge,
		4: ec2types.InstanceTypeG4dn12xlarge,
	},
	"a10g": {
		1: ec2types.InstanceTypeG5Xlarge,
		4: ec2types.InstanceTypeG512xlarge,
		8: ec2types.InstanceTypeG548xlarge,
	},
	"v100": {
		1: ec2types.InstanceTypeP32xlarge,
		4: ec2types.InstanceTypeP38xlarge,
		8: ec2types.InstanceTypeP316xlarge,
	},
	"a100": {
		8: ec2types.InstanceTypeP4d24xlarge,
	},
}

// instanceTypeFor resolves the instance type for a GPU model and count.
func instanceTypeFor(gpuType string, numGPUs int) (ec2types.InstanceType, error) {
	shapes, ok := instanceTypes[strings.ToLower(strings.TrimSpace(gpuType))]
	if !ok {
		return "", utils.MakeError("no EC2 instance type for GPU %q, supported models are T4, A10G, V100, and A100", gpuType)
	}

	shape, ok := shapes[numGPUs]
	if !ok {
		return "", utils.MakeError("no EC2 instance type with %d %s GPUs", numGPUs, gpuType)
	}
	return shape, nil
}
