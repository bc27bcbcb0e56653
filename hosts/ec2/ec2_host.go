// Package ec2 rents GPU instances from the EC2 spot market. It is the
// fallback marketplace for GPU models that vast.ai does not carry, or when
// the benchmark should run on AWS capacity anyway.
package ec2 // import "github.com/am17an/vastai-llama-bench/hosts/ec2"

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/lithammer/shortuuid/v3"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
)

// ec2API is the slice of the EC2 client this adapter calls, so tests can
// substitute a fake.
type ec2API interface {
	DescribeSpotPriceHistory(ctx context.Context, params *awsec2.DescribeSpotPriceHistoryInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSpotPriceHistoryOutput, error)
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, params *awsec2.CreateTagsInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateTagsOutput, error)
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
}

// Host implements hosts.Marketplace against the EC2 spot market.
type Host struct {
	config       *config.Config
	api          ec2API
	region       string
	instanceType ec2types.InstanceType
}

// New returns an uninitialized Host.
func New() *Host {
	return &Host{}
}

// Initialize resolves the instance type for the configured GPU, checks the
// EC2-specific parts of the configuration, and builds the AWS client.
func (h *Host) Initialize(ctx context.Context, cfg *config.Config) error {
	h.config = cfg

	instanceType, err := instanceTypeFor(cfg.GPUType, cfg.NumGPUs)
	if err != nil {
		return err
	}
	h.instanceType = instanceType

	if !strings.HasPrefix(cfg.Image, "ami-") {
		return utils.MakeError("image %q is not an AMI ID, the ec2 provider boots AMIs", cfg.Image)
	}
	if cfg.EC2.KeyName == "" {
		return utils.MakeError("ec2.key_name must be set so the instance can be reached over SSH")
	}

	h.region = cfg.Region
	if h.region == "" {
		h.region = defaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(h.region))
	if err != nil {
		return utils.MakeError("unable to load AWS SDK config: %s", err)
	}
	h.api = awsec2.NewFromConfig(awsCfg)

	logger.Infof("Using EC2 %s spot capacity in %s for %d x %s", instanceType, h.region, cfg.NumGPUs, cfg.GPUType)
	return nil
}

// SearchOffers reads the current spot price of the resolved instance type in
// each availability zone and presents one offer per zone. The offer ID is
// the zone name; LaunchInstance places the instance there.
func (h *Host) SearchOffers(ctx context.Context) ([]types.Offer, error) {
	out, err := h.api.DescribeSpotPriceHistory(ctx, &awsec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{h.instanceType},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(time.Now()),
	})
	if err != nil {
		return nil, utils.MakeError("couldn't read spot price history for %s: %s", h.instanceType, err)
	}

	// The history is newest first, so the first price seen for a zone is its
	// current one.
	seen := make(map[string]bool)
	var offers []types.Offer
	for _, price := range out.SpotPriceHistory {
		if price.AvailabilityZone == nil || price.SpotPrice == nil {
			continue
		}
		zone := *price.AvailabilityZone
		if seen[zone] {
			continue
		}
		seen[zone] = true

		hourly, err := strconv.ParseFloat(*price.SpotPrice, 64)
		if err != nil {
			logger.Warningf("Skipping zone %s, couldn't parse spot price %q: %s", zone, *price.SpotPrice, err)
			continue
		}

		offers = append(offers, types.Offer{
			ID:           types.OfferID(zone),
			GPUName:      h.config.GPUType,
			NumGPUs:      h.config.NumGPUs,
			PricePerHour: hourly,
			// The root volume is sized at launch, so every zone can satisfy
			// the configured disk.
			DiskGB:   h.config.DiskGB,
			Location: zone,
		})
	}

	return offers, nil
}

// LaunchInstance requests a one-time spot instance in the offer's zone. The
// instance is tagged for attribution, but a tagging failure does not fail
// the launch: at that point the instance exists and must be tracked so it
// can be torn down.
func (h *Host) LaunchInstance(ctx context.Context, offer types.Offer) (types.InstanceID, error) {
	label := utils.Sprintf("vastbench-%s", shortuuid.New())

	input := &awsec2.RunInstancesInput{
		ImageId:                           aws.String(h.config.Image),
		InstanceType:                      h.instanceType,
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		KeyName:                           aws.String(h.config.EC2.KeyName),
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		InstanceMarketOptions: &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		},
		Placement: &ec2types.Placement{
			AvailabilityZone: aws.String(string(offer.ID)),
		},
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &ec2types.EbsBlockDevice{
					VolumeSize:          aws.Int32(int32(h.config.DiskGB)),
					VolumeType:          ec2types.VolumeTypeGp3,
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
	}
	if h.config.EC2.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{h.config.EC2.SecurityGroupID}
	}

	result, err := h.api.RunInstances(ctx, input)
	if err != nil {
		return "", utils.MakeError("couldn't launch a spot instance in %s: %s", offer.ID, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", utils.MakeError("RunInstances returned no instances for zone %s", offer.ID)
	}
	id := types.InstanceID(*result.Instances[0].InstanceId)

	_, err = h.api.CreateTags(ctx, &awsec2.CreateTagsInput{
		Resources: []string{string(id)},
		Tags: []ec2types.Tag{
			{
				Key:   aws.String("Name"),
				Value: aws.String(label),
			},
		},
	})
	if err != nil {
		logger.Warningf("Couldn't tag instance %s with %s: %s", id, label, err)
	}

	logger.Infof("Launched instance %s with label %s", id, label)
	return id, nil
}

// InstanceStatus describes the instance. An instance EC2 no longer knows
// about is reported as StatusUnknown rather than an error, matching the
// marketplace contract.
func (h *Host) InstanceStatus(ctx context.Context, id types.InstanceID) (types.Instance, error) {
	inst, err := h.describeInstance(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return types.Instance{ID: id, Status: types.StatusUnknown}, nil
		}
		return types.Instance{}, utils.MakeError("couldn't describe instance %s: %s", id, err)
	}
	if inst == nil {
		return types.Instance{ID: id, Status: types.StatusUnknown}, nil
	}

	var raw string
	if inst.State != nil {
		raw = string(inst.State.Name)
	}

	return types.Instance{
		ID:        id,
		Status:    mapState(raw),
		RawStatus: raw,
		GPUName:   h.config.GPUType,
		Label:     nameTag(inst.Tags),
	}, nil
}

// ConnectionInfo reports the instance's public SSH endpoint. EC2 assigns the
// public address around the time the instance enters running, so callers may
// need to retry shortly after launch.
func (h *Host) ConnectionInfo(ctx context.Context, id types.InstanceID) (types.ConnectionInfo, error) {
	inst, err := h.describeInstance(ctx, id)
	if err != nil {
		return types.ConnectionInfo{}, utils.MakeError("couldn't describe instance %s: %s", id, err)
	}
	if inst == nil {
		return types.ConnectionInfo{}, utils.MakeError("instance %s not found", id)
	}
	if inst.PublicIpAddress == nil || *inst.PublicIpAddress == "" {
		return types.ConnectionInfo{}, utils.MakeError("instance %s has no public IP address yet", id)
	}

	return types.ConnectionInfo{
		User: h.config.EC2.SSHUser,
		Host: *inst.PublicIpAddress,
		Port: sshPort,
	}, nil
}

// DestroyInstance terminates the instance. Terminating an instance that is
// already gone counts as success so teardown can be retried blindly.
func (h *Host) DestroyInstance(ctx context.Context, id types.InstanceID) error {
	_, err := h.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		if isNotFound(err) {
			logger.Infof("Instance %s is already gone", id)
			return nil
		}
		return utils.MakeError("couldn't terminate instance %s: %s", id, err)
	}

	logger.Infof("Terminated instance %s", id)
	return nil
}

// describeInstance returns the instance, or nil when EC2 returns an empty
// reservation list for the ID.
func (h *Host) describeInstance(ctx context.Context, id types.InstanceID) (*ec2types.Instance, error) {
	out, err := h.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return nil, err
	}

	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId != nil && *inst.InstanceId == string(id) {
				found := inst
				return &found, nil
			}
		}
	}
	return nil, nil
}

// isNotFound reports whether the API error says the instance ID does not
// exist (any longer).
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID")
}

// mapState normalizes EC2 instance state names.
func mapState(raw string) types.InstanceStatus {
	switch ec2types.InstanceStateName(raw) {
	case ec2types.InstanceStateNamePending:
		return types.StatusProvisioning
	case ec2types.InstanceStateNameRunning:
		return types.StatusRunning
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped,
		ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return types.StatusStopped
	default:
		return types.StatusProvisioning
	}
}

// nameTag digs the Name tag out of an instance's tags.
func nameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if tag.Key != nil && *tag.Key == "Name" && tag.Value != nil {
			return *tag.Value
		}
	}
	return ""
}
