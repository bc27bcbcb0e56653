package benchmark

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
	"github.com/am17an/vastai-llama-bench/poll"
	"github.com/am17an/vastai-llama-bench/remote"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
)

// ErrNoSuitableOffer is returned by SelectOffer when nothing on the market
// matches the configured GPU, disk, price, and region. Nothing has been
// launched at that point.
var ErrNoSuitableOffer = utils.MakeError("no offer matches the requested GPU, disk, price, and region")

// SelectOffer searches the marketplace and picks the cheapest offer that
// satisfies the configured disk size, price ceiling, and region.
func (r *Runner) SelectOffer(ctx context.Context) (types.Offer, error) {
	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("gpu_type", r.Config.GPUType),
		zap.Int("num_gpus", r.Config.NumGPUs),
	}
	logger.Infow("Starting offer selection action.", contextFields)
	defer logger.Infow("Finished offer selection action.", contextFields)

	usable, err := r.ListOffers(ctx)
	if err != nil {
		return types.Offer{}, err
	}
	if len(usable) == 0 {
		return types.Offer{}, ErrNoSuitableOffer
	}
	best := usable[0]

	logger.Infow("Selected offer.", []interface{}{
		zap.String("offer_id", string(best.ID)),
		zap.String("gpu_name", best.GPUName),
		zap.Float64("price_per_hour", best.PricePerHour),
		zap.Float64("disk_gb", best.DiskGB),
		zap.String("location", best.Location),
	})
	return best, nil
}

// ListOffers searches the marketplace and returns every offer that satisfies
// the configured disk size, price ceiling, and region, cheapest first.
func (r *Runner) ListOffers(ctx context.Context) ([]types.Offer, error) {
	offers, err := r.Market.SearchOffers(ctx)
	if err != nil {
		return nil, utils.MakeError("offer search failed: %s", err)
	}

	usable := filterOffers(offers, r.Config.DiskGB, r.Config.MaxPrice, r.Config.Region)
	logger.Infof("%d of %d offers satisfy disk >= %g GB, max price %g, region %q",
		len(usable), len(offers), r.Config.DiskGB, r.Config.MaxPrice, r.Config.Region)

	sortOffers(usable)
	return usable, nil
}

// filterOffers drops offers with too little disk, above the price ceiling
// (when set), or outside the region (when set). The region is matched as a
// substring of the offer's location, since some marketplaces cannot filter
// by location server-side.
func filterOffers(offers []types.Offer, minDiskGB, maxPrice float64, region string) []types.Offer {
	usable := make([]types.Offer, 0, len(offers))
	for _, offer := range offers {
		if offer.DiskGB < minDiskGB {
			continue
		}
		if maxPrice > 0 && offer.PricePerHour > maxPrice {
			continue
		}
		if region != "" && !strings.Contains(strings.ToLower(offer.Location), strings.ToLower(region)) {
			continue
		}
		usable = append(usable, offer)
	}
	return usable
}

// sortOffers orders by hourly price; ties go to the more reliable machine,
// then to the lower ID so the order is stable across runs.
func sortOffers(offers []types.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		if offers[i].Reliability != offers[j].Reliability {
			return offers[i].Reliability > offers[j].Reliability
		}
		return offers[i].ID < offers[j].ID
	})
}

// Provision makes an instance ready for the benchmark: launch one from the
// offer (or attach to the configured existing instance), wait until the
// marketplace reports it running, wait until it answers over SSH, and upload
// the patch and the setup script. The offer is ignored when an instance ID
// is configured.
func (r *Runner) Provision(ctx context.Context, offer types.Offer) error {
	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("provider", r.Config.Provider),
	}
	logger.Infow("Starting provision action.", contextFields)
	defer logger.Infow("Finished provision action.", contextFields)

	if r.Config.InstanceID != "" {
		r.instanceID = types.InstanceID(r.Config.InstanceID)
		logger.Infof("Using existing instance %s, skipping offer search and launch", r.instanceID)
	} else {
		id, err := r.Market.LaunchInstance(ctx, offer)
		if err != nil {
			return utils.MakeError("couldn't launch an instance from offer %s: %s", offer.ID, err)
		}
		r.instanceID = id
		r.price = offer.PricePerHour
	}

	if err := r.waitForRunning(ctx); err != nil {
		return err
	}
	if err := r.connect(ctx); err != nil {
		return err
	}
	return r.uploadArtifacts(ctx)
}

// waitForRunning polls the instance status until the marketplace reports it
// running. A terminal status aborts immediately; an instance the marketplace
// doesn't list yet counts as still provisioning.
func (r *Runner) waitForRunning(ctx context.Context) error {
	pollConfig := r.Config.StatusPoll.Poll()
	logger.Infof("Waiting for instance %s to be ready, checking every %s for up to %d attempts",
		r.instanceID, pollConfig.Interval, pollConfig.MaxAttempts)

	checks := 0
	err := poll.Until(ctx, pollConfig, func(ctx context.Context) (bool, error) {
		checks++
		instance, err := r.Market.InstanceStatus(ctx, r.instanceID)
		if err != nil {
			return false, err
		}
		if instance.PricePerHour > 0 {
			r.price = instance.PricePerHour
		}

		switch {
		case instance.Status == types.StatusRunning:
			logger.Infof("Instance %s is running after %d status checks", r.instanceID, checks)
			return true, nil
		case instance.Status.Terminal():
			return false, utils.MakeError("instance %s reached state %s (%q) while provisioning", r.instanceID, instance.Status, instance.RawStatus)
		default:
			logger.Infof("Instance %s status: %s, waiting...", r.instanceID, instance.Status)
			return false, nil
		}
	})
	if errors.Is(err, poll.ErrAttemptsExhausted) {
		return utils.MakeError("instance %s didn't become ready within %d checks of %s each", r.instanceID, pollConfig.MaxAttempts, pollConfig.Interval)
	}
	return err
}

// connect resolves the instance's SSH endpoint and waits until it actually
// answers. Both the endpoint and sshd can lag the running state, so failures
// of either just mean another poll round.
func (r *Runner) connect(ctx context.Context) error {
	pollConfig := r.Config.SSHPoll.Poll()

	err := poll.Until(ctx, pollConfig, func(ctx context.Context) (bool, error) {
		info, err := r.Market.ConnectionInfo(ctx, r.instanceID)
		if err != nil {
			logger.Infof("No connection info for instance %s yet: %s", r.instanceID, err)
			return false, nil
		}

		client := remote.NewClient(info, r.Commands)
		if err := client.CheckReachable(ctx); err != nil {
			logger.Infof("Instance %s is not answering over SSH yet: %s", r.instanceID, err)
			return false, nil
		}

		r.client = client
		logger.Infof("Instance %s is reachable at %s@%s:%d", r.instanceID, info.User, info.Host, info.Port)
		return true, nil
	})
	if errors.Is(err, poll.ErrAttemptsExhausted) {
		return utils.MakeError("instance %s never answered over SSH within %d checks of %s each", r.instanceID, pollConfig.MaxAttempts, pollConfig.Interval)
	}
	return err
}

// uploadArtifacts copies the patch and the setup script into the instance's
// home directory. When no setup script is configured, one is rendered from
// the benchmark record and written to the working directory first so the
// exact uploaded script can be inspected.
func (r *Runner) uploadArtifacts(ctx context.Context) error {
	patchPath := r.workdirPath(r.Config.PatchFile)
	if _, err := os.Stat(patchPath); err != nil {
		return utils.MakeError("patch file %s is not readable: %s", patchPath, err)
	}

	var scriptPath string
	if r.Config.SetupScript != "" {
		scriptPath = r.workdirPath(r.Config.SetupScript)
		if _, err := os.Stat(scriptPath); err != nil {
			return utils.MakeError("setup script %s is not readable: %s", scriptPath, err)
		}
		logger.Infof("Using the provided setup script %s", scriptPath)
	} else {
		script, err := RenderSetupScript(r.Config.Benchmark)
		if err != nil {
			return utils.MakeError("couldn't render the setup script: %s", err)
		}
		scriptPath = r.workdirPath(generatedScriptName)
		if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
			return utils.MakeError("couldn't write the rendered setup script to %s: %s", scriptPath, err)
		}
		logger.Infof("Rendered the setup script for %s@%s to %s",
			r.Config.Benchmark.RepoURL, r.Config.Benchmark.Ref, scriptPath)
	}

	uploads := []struct {
		local  string
		remote string
	}{
		{patchPath, remotePatchName},
		{scriptPath, remoteScriptName},
	}
	for _, upload := range uploads {
		logger.Infof("Copying %s to instance %s as ~/%s", upload.local, r.instanceID, upload.remote)
		if err := r.client.Upload(ctx, upload.local, "~/"+upload.remote); err != nil {
			return utils.MakeError("couldn't copy %s to the instance: %s", upload.local, err)
		}
	}
	return nil
}

// Execute runs the setup script on the instance, streaming its combined
// output to the console and into a local log file as it happens. The remote
// side tees the same output next to the script. A non-zero remote exit is
// terminal.
func (r *Runner) Execute(ctx context.Context) error {
	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("instance_id", string(r.instanceID)),
	}
	logger.Infow("Starting benchmark execution action.", contextFields)
	defer logger.Infow("Finished benchmark execution action.", contextFields)

	if _, err := r.client.Run(ctx, utils.Sprintf("chmod +x ~/%s", remoteScriptName)); err != nil {
		return utils.MakeError("couldn't make the setup script executable: %s", err)
	}

	logPath := r.workdirPath(r.Config.SetupLogFile)
	logFile, err := os.Create(logPath)
	if err != nil {
		return utils.MakeError("couldn't create the local setup log %s: %s", logPath, err)
	}
	defer logFile.Close()

	heartbeat := r.startHeartbeat()
	defer heartbeat.Stop()

	// pipefail so the script's exit status survives the tee.
	remoteCmd := utils.Sprintf("set -o pipefail && cd ~ && ./%s 2>&1 | tee %s", remoteScriptName, remoteLogName)
	logger.Infof("Running %q on instance %s, mirroring output to %s", remoteCmd, r.instanceID, logPath)

	if err := r.client.RunStream(ctx, io.MultiWriter(os.Stdout, logFile), remoteCmd); err != nil {
		return utils.MakeError("benchmark execution failed on instance %s: %s", r.instanceID, err)
	}
	return nil
}

// Retrieve downloads the benchmark results into the working directory and
// logs them. When scp fails it falls back to catting the file over SSH, the
// way flaky marketplace routing sometimes requires. Callers treat a failure
// here as a warning, not an error: the results already streamed to the
// console during execution.
func (r *Runner) Retrieve(ctx context.Context) error {
	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("instance_id", string(r.instanceID)),
	}
	logger.Infow("Starting result retrieval action.", contextFields)
	defer logger.Infow("Finished result retrieval action.", contextFields)

	remotePath := r.Config.Benchmark.RemoteResultPath
	localPath := r.workdirPath(r.Config.ResultFile)

	if err := r.client.Download(ctx, remotePath, localPath); err != nil {
		logger.Warningf("Couldn't download %s with scp, trying cat over ssh: %s", remotePath, err)

		out, catErr := r.client.Run(ctx, utils.Sprintf("cat %s", remotePath))
		if catErr != nil {
			return utils.MakeError("couldn't retrieve %s from instance %s: %s", remotePath, r.instanceID, catErr)
		}
		if err := os.WriteFile(localPath, []byte(out), 0644); err != nil {
			return utils.MakeError("retrieved the results over ssh but couldn't write %s: %s", localPath, err)
		}
		logger.Infof("Results retrieved over ssh to %s", localPath)
		logger.Infof("Benchmark results:\n%s", utils.TrimTrailingNewlines(out))
		return nil
	}

	contents, err := os.ReadFile(localPath)
	if err != nil {
		return utils.MakeError("results were downloaded to %s but can't be read back: %s", localPath, err)
	}
	logger.Infof("Results downloaded to %s", localPath)
	logger.Infof("Benchmark results:\n%s", utils.TrimTrailingNewlines(string(contents)))
	return nil
}

// Teardown destroys the instance. It is idempotent within the run, safe to
// call when nothing was provisioned, and honors KeepInstance by logging what
// the instance costs and how to destroy it manually instead.
func (r *Runner) Teardown(ctx context.Context) error {
	if r.teardownRan || r.instanceID == "" {
		return nil
	}

	if r.Config.KeepInstance {
		logger.Warningf("Leaving instance %s running as requested. It keeps billing at $%.3f/hr until you run `vastbench destroy --instance-id %s`.",
			r.instanceID, r.price, r.instanceID)
		r.teardownRan = true
		return nil
	}

	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("instance_id", string(r.instanceID)),
	}
	logger.Infow("Starting teardown action.", contextFields)
	defer logger.Infow("Finished teardown action.", contextFields)

	if err := r.Market.DestroyInstance(ctx, r.instanceID); err != nil {
		return err
	}

	r.teardownRan = true
	return nil
}
