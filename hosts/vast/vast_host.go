// Package vast drives the vast.ai GPU marketplace through the external
// `vastai` CLI. Authentication is handled by the CLI itself unless an API
// key is set in the run configuration, in which case it is passed
// explicitly on every invocation.
package vast // import "github.com/am17an/vastai-llama-bench/hosts/vast"

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
	"github.com/am17an/vastai-llama-bench/command"
	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/remote"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
	"github.com/hashicorp/go-version"
	"github.com/lithammer/shortuuid/v3"
	"golang.org/x/time/rate"
)

// Host implements hosts.Marketplace against vast.ai.
type Host struct {
	config  *config.Config
	runner  command.Runner
	limiter *rate.Limiter
}

// New returns an uninitialized Host that shells out through runner.
func New(runner command.Runner) *Host {
	return &Host{
		runner:  runner,
		limiter: rate.NewLimiter(rate.Every(cliRequestInterval), cliRequestBurst),
	}
}

// Initialize stores the run configuration and verifies the vastai CLI is
// installed and recent enough for the raw output formats this adapter
// parses.
func (h *Host) Initialize(ctx context.Context, cfg *config.Config) error {
	h.config = cfg

	out, err := h.runner.Output(ctx, vastCLI, "--version")
	if err != nil {
		return utils.MakeError("vastai CLI not usable, install it with `pip install vastai`: %s", err)
	}

	raw := parseCLIVersion(out)
	if raw == "" {
		logger.Warningf("Couldn't tell the vastai CLI version from %q, continuing anyway", utils.TrimTrailingNewlines(out))
		return nil
	}

	v, err := version.NewVersion(raw)
	if err != nil {
		logger.Warningf("Couldn't parse vastai CLI version %q, continuing anyway: %s", raw, err)
		return nil
	}
	if v.LessThan(minCLIVersion) {
		return utils.MakeError("vastai CLI version %s is older than the minimum supported %s, upgrade with `pip install --upgrade vastai`", v, minCLIVersion)
	}

	logger.Infof("Using vastai CLI version %s", v)
	return nil
}

// SearchOffers queries the marketplace for rentable offers matching the
// configured GPU model and count. Listings that cannot actually be rented
// (no contract, no machine, no price) are dropped here; price and disk
// policy live in the caller.
func (h *Host) SearchOffers(ctx context.Context) ([]types.Offer, error) {
	query := utils.Sprintf("gpu_name == %s num_gpus=%d", h.config.GPUType, h.config.NumGPUs)

	out, err := h.runVast(ctx, "search", "instances", query, "--raw")
	if err != nil {
		return nil, utils.MakeError("offer search failed: %s", err)
	}

	var records []offerRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		return nil, utils.MakeError("couldn't parse offer search results: %s", err)
	}

	offers := make([]types.Offer, 0, len(records))
	for _, rec := range records {
		if rec.AskContractID == 0 || rec.MachineID == 0 || rec.DphTotal <= 0 {
			continue
		}
		offers = append(offers, types.Offer{
			ID:           types.OfferID(utils.Sprintf("%d", rec.AskContractID)),
			GPUName:      rec.GPUName,
			NumGPUs:      rec.NumGPUs,
			PricePerHour: rec.DphTotal,
			DiskGB:       rec.DiskSpace,
			Location:     rec.Geolocation,
			Reliability:  rec.Reliability,
		})
	}

	return offers, nil
}

// LaunchInstance accepts the offer's ask contract and boots the configured
// image on it.
func (h *Host) LaunchInstance(ctx context.Context, offer types.Offer) (types.InstanceID, error) {
	label := utils.Sprintf("vastbench-%s", shortuuid.New())

	out, err := h.runVast(ctx, "create", "instance", string(offer.ID),
		"--image", h.config.Image,
		"--disk", utils.Sprintf("%g", h.config.DiskGB),
		"--label", label,
		"--raw")
	if err != nil {
		return "", utils.MakeError("couldn't create instance from offer %s: %s", offer.ID, err)
	}

	id, err := parseCreateResponse(out)
	if err != nil {
		return "", err
	}

	logger.Infof("Launched instance %s with label %s", id, label)
	return id, nil
}

// InstanceStatus looks our instance up in `vastai show instances`. Listings
// lag both creation and destruction, so an instance that is missing from the
// list is reported as StatusUnknown rather than an error.
func (h *Host) InstanceStatus(ctx context.Context, id types.InstanceID) (types.Instance, error) {
	out, err := h.runVast(ctx, "show", "instances", "--raw")
	if err != nil {
		return types.Instance{}, utils.MakeError("couldn't list instances: %s", err)
	}

	var records []instanceRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		return types.Instance{}, utils.MakeError("couldn't parse instance list: %s", err)
	}

	for _, rec := range records {
		if types.InstanceID(utils.Sprintf("%d", rec.ID)) != id {
			continue
		}
		return types.Instance{
			ID:           id,
			Status:       mapStatus(rec.ActualStatus),
			RawStatus:    rec.ActualStatus,
			GPUName:      rec.GPUName,
			PricePerHour: rec.DphTotal,
			Label:        rec.Label,
		}, nil
	}

	return types.Instance{ID: id, Status: types.StatusUnknown}, nil
}

// ConnectionInfo asks the CLI for the instance's SSH endpoint. Some CLI
// versions only fill in one of ssh-url/scp-url while the instance is young,
// so both are tried.
func (h *Host) ConnectionInfo(ctx context.Context, id types.InstanceID) (types.ConnectionInfo, error) {
	sshOut, sshErr := h.runVast(ctx, "ssh-url", string(id))
	if sshErr == nil {
		target, err := remote.ParseTarget(sshOut)
		if err == nil {
			return target, nil
		}
		logger.Warningf("Couldn't parse ssh-url output for instance %s, trying scp-url: %s", id, err)
	} else {
		logger.Warningf("Couldn't get ssh-url for instance %s, trying scp-url: %s", id, sshErr)
	}

	scpOut, scpErr := h.runVast(ctx, "scp-url", string(id))
	if scpErr != nil {
		return types.ConnectionInfo{}, utils.MakeError("couldn't get connection info for instance %s: %s", id, scpErr)
	}

	target, err := remote.ParseTarget(scpOut)
	if err != nil {
		return types.ConnectionInfo{}, utils.MakeError("couldn't parse connection info for instance %s: %s", id, err)
	}
	return target, nil
}

// DestroyInstance releases the instance. Destroying an instance that is
// already gone counts as success so teardown can be retried blindly.
func (h *Host) DestroyInstance(ctx context.Context, id types.InstanceID) error {
	out, err := h.runVast(ctx, "destroy", "instance", string(id))
	if err != nil {
		if instanceAlreadyGone(err.Error()) {
			logger.Infof("Instance %s is already gone", id)
			return nil
		}
		return utils.MakeError("couldn't destroy instance %s: %s", id, err)
	}

	if instanceAlreadyGone(out) {
		logger.Infof("Instance %s is already gone", id)
		return nil
	}

	logger.Infof("Destroyed instance %s", id)
	return nil
}

// runVast shells out to the vastai CLI, paced by the rate limiter, with the
// configured API key appended when present.
func (h *Host) runVast(ctx context.Context, args ...string) (string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return "", err
	}

	if h.config.APIKey != "" {
		args = append(args, "--api-key", h.config.APIKey)
	}
	return h.runner.Output(ctx, vastCLI, args...)
}

// parseCLIVersion pulls the version number out of `vastai --version` output,
// which is either the bare version or prefixed with the program name.
func parseCLIVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[len(fields)-1], "v")
}

var createIDPattern = regexp.MustCompile(`"id"\s*:\s*(\d+)`)

// parseCreateResponse digs the new instance ID out of `vastai create
// instance --raw` output. When the output is not valid JSON (older CLIs
// print text around a JSON fragment), fall back to scanning for an "id"
// field.
func parseCreateResponse(out string) (types.InstanceID, error) {
	var resp createResponse
	if err := json.Unmarshal([]byte(out), &resp); err == nil {
		for _, id := range []int64{resp.NewContract, resp.ID, resp.InstanceID} {
			if id != 0 {
				return types.InstanceID(utils.Sprintf("%d", id)), nil
			}
		}
		return "", utils.MakeError("no instance ID in create response: %s", utils.TrimTrailingNewlines(out))
	}

	if m := createIDPattern.FindStringSubmatch(out); m != nil {
		return types.InstanceID(m[1]), nil
	}

	return "", utils.MakeError("couldn't parse create response: %s", utils.TrimTrailingNewlines(out))
}

// mapStatus normalizes vast.ai's actual_status strings. Anything we do not
// recognize is treated as still provisioning, matching how the marketplace
// reports intermediate states (loading, downloading the image, and so on).
func mapStatus(raw string) types.InstanceStatus {
	switch strings.ToLower(raw) {
	case "running", "ready":
		return types.StatusRunning
	case "failed", "error":
		return types.StatusFailed
	case "stopped", "exited":
		return types.StatusStopped
	default:
		return types.StatusProvisioning
	}
}

// instanceAlreadyGone reports whether CLI output describes a destroy of an
// instance that no longer exists.
func instanceAlreadyGone(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "no such instance") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "404")
}
