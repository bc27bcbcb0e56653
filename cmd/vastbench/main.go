// vastbench rents a GPU from a marketplace, builds llama.cpp twice (at a
// baseline ref and with a patch applied), runs llama-bench for both builds,
// downloads the results, and destroys the instance.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
	"github.com/am17an/vastai-llama-bench/benchmark"
	"github.com/am17an/vastai-llama-bench/command"
	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/hosts"
	"github.com/am17an/vastai-llama-bench/metadata"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
)

// errInterrupted marks a run that was cut short by a signal, so main can
// exit with the conventional 130 instead of a plain failure.
var errInterrupted = utils.MakeError("interrupted")

var (
	configPath string
	provider   string
	apiKey     string
)

func main() {
	logger.InitBenchLogging()

	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errInterrupted) {
		logger.Error(err)
	}
	logger.Close()

	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		os.Exit(130)
	default:
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vastbench",
	Short: "Benchmark llama.cpp patches on rented marketplace GPUs",
	Long: `vastbench automates benchmarking a llama.cpp patch on a rented GPU.

It picks the cheapest marketplace offer that fits the requested GPU, rents
it, builds llama.cpp at a baseline ref and again with the patch applied,
runs llama-bench for both builds, downloads the results, and destroys the
instance.

Configuration is layered: built-in defaults, then an optional TOML file,
then VASTBENCH_* environment variables, then explicitly set flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full benchmark pipeline",
	Long: `Select the cheapest suitable offer, rent it, run the benchmark, and
destroy the instance.

The instance is destroyed when the run finishes, fails, or is interrupted,
unless --keep-instance is set. That includes instances attached with
--instance-id.`,
	RunE: runRun,
}

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List the offers the run command would pick from",
	Long: `Search the marketplace and print the offers that satisfy the GPU,
disk, price, and region filters, cheapest first. The first offer listed is
the one run would select.`,
	RunE: runOffers,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy a rented instance",
	Long: `Destroy an instance by ID. Useful after a run with --keep-instance,
or when a crash left an instance behind. Destroying an instance that is
already gone is not an error.`,
	RunE: runDestroy,
}

var (
	gpuType  string
	numGPUs  int
	diskSize float64
	maxPrice float64
	region   string

	image        string
	instanceID   string
	keepInstance bool
	patchFile    string
	setupScript  string
	workDir      string

	repoURL   string
	gitRef    string
	modelURL  string
	benchArgs string
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultFile, "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "vast", "marketplace adapter: vast or ec2")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "vast.ai API key (default: the vastai CLI's stored key)")

	offerFlags(runCmd)
	offerFlags(offersCmd)

	// Run flags
	runCmd.Flags().StringVar(&image, "image", "vastai/base-image:cuda-12.8.1-auto", "docker image (vast) or AMI ID (ec2) to boot")
	runCmd.Flags().StringVar(&instanceID, "instance-id", "", "reuse this instance instead of launching a new one")
	runCmd.Flags().BoolVar(&keepInstance, "keep-instance", false, "leave the instance running after the run")
	runCmd.Flags().StringVar(&patchFile, "patch", "patch.diff", "local diff applied on top of the baseline ref")
	runCmd.Flags().StringVar(&setupScript, "setup-script", "", "upload this script instead of generating one")
	runCmd.Flags().StringVar(&workDir, "workdir", ".", "directory artifacts are read from and results written to")
	runCmd.Flags().StringVar(&repoURL, "repo", "https://github.com/ggml-org/llama.cpp", "repository to clone and build")
	runCmd.Flags().StringVar(&gitRef, "ref", "master", "baseline commit, branch, or tag the patch is compared against")
	runCmd.Flags().StringVar(&modelURL, "model-url", "https://huggingface.co/TheBloke/Llama-2-7B-GGUF/resolve/main/llama-2-7b.Q4_K_M.gguf", "model file to download and benchmark")
	runCmd.Flags().StringVar(&benchArgs, "bench-args", "", "extra arguments for each llama-bench invocation")

	// Destroy flags
	destroyCmd.Flags().StringVar(&instanceID, "instance-id", "", "instance to destroy")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(offersCmd)
	rootCmd.AddCommand(destroyCmd)
}

// offerFlags registers the offer filter flags. Both run and offers take
// them.
func offerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gpuType, "gpu-type", "RTX_4090", "GPU model to request, as the marketplace names it")
	cmd.Flags().IntVar(&numGPUs, "num-gpus", 1, "number of GPUs per instance")
	cmd.Flags().Float64Var(&diskSize, "disk-size", 32, "minimum disk size in GB")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "highest hourly price in USD, 0 for no cap")
	cmd.Flags().StringVar(&region, "region", "", "location filter: substring match on vast, AWS region on ec2")
}

// runRun drives the full pipeline. Teardown is owned by the runner itself,
// so an interrupt aborts whatever step is in flight without skipping
// cleanup.
func runRun(cmd *cobra.Command, args []string) error {
	logger.Infof("Starting vastbench (commit %s, environment %s).", metadata.GetGitCommit(), metadata.GetAppEnvironment())

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	market, err := hosts.New(cfg.Provider, command.New())
	if err != nil {
		return err
	}
	runner := benchmark.New(cfg, market, command.New())

	globalCtx, globalCancel := context.WithCancel(cmd.Context())
	defer globalCancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	goroutineTracker := sync.WaitGroup{}
	runDone := make(chan error, 1)
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		runDone <- runner.Run(globalCtx)
	}()

	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM. Aborting the run and cleaning up...")
		globalCancel()
		<-runDone
		goroutineTracker.Wait()
		return errInterrupted
	case err = <-runDone:
		goroutineTracker.Wait()
		return err
	}
}

// runOffers prints the filtered, sorted offer list without renting anything.
func runOffers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	market, err := hosts.New(cfg.Provider, command.New())
	if err != nil {
		return err
	}
	if err := market.Initialize(cmd.Context(), cfg); err != nil {
		return utils.MakeError("couldn't initialize the %s adapter: %s", cfg.Provider, err)
	}

	runner := benchmark.New(cfg, market, command.New())
	offers, err := runner.ListOffers(cmd.Context())
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		return benchmark.ErrNoSuitableOffer
	}

	for i, offer := range offers {
		logger.Infof("%2d. offer %-10s %dx %-14s $%.3f/hr %5.0f GB disk reliability %.2f %s",
			i+1, offer.ID, offer.NumGPUs, offer.GPUName, offer.PricePerHour, offer.DiskGB, offer.Reliability, offer.Location)
	}
	return nil
}

// runDestroy tears down a single instance by ID.
func runDestroy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.InstanceID == "" {
		return utils.MakeError("destroy needs --instance-id")
	}

	market, err := hosts.New(cfg.Provider, command.New())
	if err != nil {
		return err
	}
	if err := market.Initialize(cmd.Context(), cfg); err != nil {
		return utils.MakeError("couldn't initialize the %s adapter: %s", cfg.Provider, err)
	}

	if err := market.DestroyInstance(cmd.Context(), types.InstanceID(cfg.InstanceID)); err != nil {
		return utils.MakeError("couldn't destroy instance %s: %s", cfg.InstanceID, err)
	}
	logger.Infof("Destroyed instance %s.", cfg.InstanceID)
	return nil
}

// loadConfig layers the config file and environment, then lets explicitly
// set flags win over both. Changed is false for flags the subcommand does
// not define, so one mapping covers all three commands.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	cfg, err := config.Load(configPath, flags.Changed("config"))
	if err != nil {
		return nil, err
	}

	if flags.Changed("provider") {
		cfg.Provider = provider
	}
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("gpu-type") {
		cfg.GPUType = gpuType
	}
	if flags.Changed("num-gpus") {
		cfg.NumGPUs = numGPUs
	}
	if flags.Changed("disk-size") {
		cfg.DiskGB = diskSize
	}
	if flags.Changed("max-price") {
		cfg.MaxPrice = maxPrice
	}
	if flags.Changed("region") {
		cfg.Region = region
	}
	if flags.Changed("image") {
		cfg.Image = image
	}
	if flags.Changed("instance-id") {
		cfg.InstanceID = instanceID
	}
	if flags.Changed("keep-instance") {
		cfg.KeepInstance = keepInstance
	}
	if flags.Changed("patch") {
		cfg.PatchFile = patchFile
	}
	if flags.Changed("setup-script") {
		cfg.SetupScript = setupScript
	}
	if flags.Changed("workdir") {
		cfg.WorkDir = workDir
	}
	if flags.Changed("repo") {
		cfg.Benchmark.RepoURL = repoURL
	}
	if flags.Changed("ref") {
		cfg.Benchmark.Ref = gitRef
	}
	if flags.Changed("model-url") {
		cfg.Benchmark.ModelURL = modelURL
	}
	if flags.Changed("bench-args") {
		cfg.Benchmark.BenchArgs = benchArgs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
