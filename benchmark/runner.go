// Package benchmark orchestrates a full run: pick the cheapest suitable
// offer, rent an instance, wait for it, upload the patch and setup script,
// run the benchmark while streaming its output, pull the results back, and
// tear the instance down. The pipeline is strictly sequential; the only
// goroutines involved are ambient (output pumps, the heartbeat, the signal
// handler in main).
package benchmark // import "github.com/am17an/vastai-llama-bench/benchmark"

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
	"github.com/am17an/vastai-llama-bench/command"
	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/hosts"
	"github.com/am17an/vastai-llama-bench/remote"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
)

// Runner holds the collaborators and the state of a single benchmark run.
// It is not safe for concurrent use; one Runner drives one run.
type Runner struct {
	RunID    string
	Config   *config.Config
	Market   hosts.Marketplace
	Commands command.Runner

	instanceID  types.InstanceID
	price       float64
	client      *remote.Client
	teardownRan bool
}

// New returns a Runner for one benchmark run described by cfg.
func New(cfg *config.Config, market hosts.Marketplace, commands command.Runner) *Runner {
	return &Runner{
		RunID:    uuid.New().String(),
		Config:   cfg,
		Market:   market,
		Commands: commands,
	}
}

// Run executes the whole pipeline. Selection, provisioning, and execution
// errors are terminal and returned; a retrieval failure is only logged, the
// results still exist in the console scrollback. Teardown always runs on the
// way out, whatever happened, on a fresh context so that a cancelled run
// still releases the instance.
func (r *Runner) Run(ctx context.Context) error {
	contextFields := []interface{}{
		zap.String("run_id", r.RunID),
		zap.String("provider", r.Config.Provider),
		zap.String("gpu_type", r.Config.GPUType),
	}
	logger.Infow("Starting benchmark run.", contextFields)
	defer logger.Infow("Finished benchmark run.", contextFields)

	if err := r.Market.Initialize(ctx, r.Config); err != nil {
		return utils.MakeError("couldn't initialize the %s marketplace: %s", r.Config.Provider, err)
	}

	defer func() {
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer teardownCancel()

		if err := r.Teardown(teardownCtx); err != nil {
			logger.Errorf("Teardown failed, instance %s may still be billing: %s", r.instanceID, err)
		}
	}()

	var offer types.Offer
	if r.Config.InstanceID == "" {
		var err error
		offer, err = r.SelectOffer(ctx)
		if err != nil {
			return err
		}
	}

	if err := r.Provision(ctx, offer); err != nil {
		return err
	}

	if err := r.Execute(ctx); err != nil {
		return err
	}

	if err := r.Retrieve(ctx); err != nil {
		logger.Warningf("Couldn't retrieve the benchmark results, they remain in the output above: %s", err)
	}

	return nil
}

// InstanceID returns the instance this run provisioned or attached to, empty
// before provisioning.
func (r *Runner) InstanceID() types.InstanceID {
	return r.instanceID
}

// workdirPath resolves a configured file name against the working directory.
// Absolute paths are kept as they are.
func (r *Runner) workdirPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.Config.WorkDir, name)
}
