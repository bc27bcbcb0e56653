// Package config builds the configuration object for a benchmark run.
// Values are layered from built-in defaults, then an optional TOML file,
// then VASTBENCH_* environment variables, and finally any command-line flag
// overrides applied by the CLI. The result is passed explicitly to every
// component; nothing in the pipeline reads configuration ambiently.
package config // import "github.com/am17an/vastai-llama-bench/config"

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/am17an/vastai-llama-bench/poll"
	"github.com/am17an/vastai-llama-bench/utils"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// DefaultFile is the config file consulted when --config is not given. It is
// fine for it not to exist.
const DefaultFile = "vastbench.toml"

// envPrefix is the prefix for environment variable overrides, e.g.
// VASTBENCH_GPU_TYPE=H100. Nested keys use a double underscore:
// VASTBENCH_BENCHMARK__REPO_URL.
const envPrefix = "VASTBENCH_"

// Config carries every knob for a benchmark run.
type Config struct {
	// Provider selects the marketplace adapter: "vast" or "ec2".
	Provider string `koanf:"provider"`

	// GPUType is the marketplace's name for the GPU model, e.g. RTX_4090.
	GPUType string  `koanf:"gpu_type"`
	NumGPUs int     `koanf:"num_gpus"`
	DiskGB  float64 `koanf:"disk_gb"`

	// MaxPrice is the highest acceptable hourly price in USD. Zero disables
	// the filter.
	MaxPrice float64 `koanf:"max_price"`
	// Region restricts offers by location. For vast it is matched against
	// the offer's geolocation; for ec2 it is the AWS region.
	Region string `koanf:"region"`
	// Image is the docker image (vast) or AMI (ec2) the instance boots.
	Image string `koanf:"image"`

	// InstanceID reuses an already-rented instance instead of searching and
	// launching a new one.
	InstanceID string `koanf:"instance_id"`
	// KeepInstance leaves the instance running after the run. The instance
	// keeps billing until destroyed manually.
	KeepInstance bool `koanf:"keep_instance"`

	// PatchFile is the local diff uploaded and applied on top of the
	// baseline ref.
	PatchFile string `koanf:"patch_file"`
	// SetupScript is a user-provided script uploaded verbatim. When empty,
	// the script is rendered from the Benchmark record instead.
	SetupScript string `koanf:"setup_script"`
	// WorkDir is where artifacts are read from and results written to.
	WorkDir string `koanf:"workdir"`
	// APIKey is passed to the vast CLI explicitly when set. When empty, the
	// CLI's own stored credentials are used.
	APIKey string `koanf:"api_key"`

	// ResultFile is the local filename the benchmark results are written to.
	ResultFile string `koanf:"result_file"`
	// SetupLogFile is the local filename the remote setup output is mirrored
	// to while it streams.
	SetupLogFile string `koanf:"setup_log_file"`

	Benchmark Benchmark `koanf:"benchmark"`

	// StatusPoll paces the instance status wait after launch.
	StatusPoll PollConfig `koanf:"status_poll"`
	// SSHPoll paces the SSH reachability wait once the instance is running.
	SSHPoll PollConfig `koanf:"ssh_poll"`

	EC2 EC2 `koanf:"ec2"`
}

// Benchmark is the structured description of what to measure. The setup
// script is rendered from it unless the user supplies their own script.
type Benchmark struct {
	// RepoURL is the toolkit repository cloned on the instance.
	RepoURL string `koanf:"repo_url"`
	// Ref is the baseline commit, branch, or tag the patch is compared
	// against.
	Ref string `koanf:"ref"`
	// ModelURL is the model file downloaded on the instance.
	ModelURL string `koanf:"model_url"`
	// BenchArgs is appended to each llama-bench invocation.
	BenchArgs string `koanf:"bench_args"`
	// AptPackages are installed on the instance in addition to the build
	// toolchain, for patches that need extra libraries.
	AptPackages []string `koanf:"apt_packages"`
	// RemoteResultPath is where the script leaves the results on the
	// instance.
	RemoteResultPath string `koanf:"remote_result_path"`
}

// PollConfig mirrors poll.Config with koanf tags.
type PollConfig struct {
	Interval    time.Duration `koanf:"interval"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// Poll converts to the poll package's config.
func (p PollConfig) Poll() poll.Config {
	return poll.Config{
		Interval:    p.Interval,
		MaxAttempts: p.MaxAttempts,
	}
}

// EC2 holds the knobs that only apply to the EC2 adapter.
type EC2 struct {
	// KeyName is the EC2 key pair installed on launched instances.
	KeyName string `koanf:"key_name"`
	// SecurityGroupID must allow inbound SSH.
	SecurityGroupID string `koanf:"security_group_id"`
	// SSHUser is the login user of the AMI.
	SSHUser string `koanf:"ssh_user"`
}

var defaults = map[string]interface{}{
	"provider":       "vast",
	"gpu_type":       "RTX_4090",
	"num_gpus":       1,
	"disk_gb":        32.0,
	"max_price":      0.0,
	"region":         "",
	"image":          "vastai/base-image:cuda-12.8.1-auto",
	"instance_id":    "",
	"keep_instance":  false,
	"patch_file":     "patch.diff",
	"setup_script":   "",
	"workdir":        ".",
	"api_key":        "",
	"result_file":    "vastai_results.txt",
	"setup_log_file": "setup_output.log",

	"benchmark.repo_url":           "https://github.com/ggml-org/llama.cpp",
	"benchmark.ref":                "master",
	"benchmark.model_url":          "https://huggingface.co/TheBloke/Llama-2-7B-GGUF/resolve/main/llama-2-7b.Q4_K_M.gguf",
	"benchmark.bench_args":         "",
	"benchmark.remote_result_path": "~/llama.cpp/results.out.txt",

	"status_poll.interval":     "5s",
	"status_poll.max_attempts": 360,
	"ssh_poll.interval":        "10s",
	"ssh_poll.max_attempts":    30,

	"ec2.key_name":          "",
	"ec2.security_group_id": "",
	"ec2.ssh_user":          "ubuntu",
}

// Load builds a Config from defaults, the TOML file at path, and the
// environment. A missing file is only an error when explicit is true, i.e.
// the user asked for that specific file.
func Load(path string, explicit bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, utils.MakeError("couldn't load config defaults: %s", err)
	}

	if path != "" {
		err := k.Load(file.Provider(path), toml.Parser())
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// The default config file is optional.
		default:
			return nil, utils.MakeError("couldn't load config file %s: %s", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToConfigKey), nil); err != nil {
		return nil, utils.MakeError("couldn't load config from environment: %s", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, utils.MakeError("couldn't unmarshal config: %s", err)
	}

	return &cfg, nil
}

// envKeyToConfigKey maps VASTBENCH_BENCHMARK__REPO_URL to
// benchmark.repo_url: strip the prefix, lowercase, and turn the double
// underscore into the section separator.
func envKeyToConfigKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Provider != "vast" && c.Provider != "ec2" {
		return utils.MakeError("unknown provider %q, expected vast or ec2", c.Provider)
	}
	if c.GPUType == "" {
		return utils.MakeError("gpu_type must not be empty")
	}
	if c.NumGPUs < 1 {
		return utils.MakeError("num_gpus must be at least 1, got %d", c.NumGPUs)
	}
	if c.DiskGB <= 0 {
		return utils.MakeError("disk_gb must be positive, got %g", c.DiskGB)
	}
	if c.MaxPrice < 0 {
		return utils.MakeError("max_price must not be negative, got %g", c.MaxPrice)
	}
	if c.StatusPoll.Interval <= 0 || c.StatusPoll.MaxAttempts <= 0 {
		return utils.MakeError("status_poll interval and max_attempts must be positive")
	}
	if c.SSHPoll.Interval <= 0 || c.SSHPoll.MaxAttempts <= 0 {
		return utils.MakeError("ssh_poll interval and max_attempts must be positive")
	}
	if c.ResultFile == "" {
		return utils.MakeError("result_file must not be empty")
	}
	if c.Benchmark.RemoteResultPath == "" {
		return utils.MakeError("benchmark remote_result_path must not be empty")
	}
	return nil
}
