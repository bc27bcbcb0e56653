package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", false)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cfg.Provider != "vast" {
		t.Errorf("expected default provider vast, got %q", cfg.Provider)
	}
	if cfg.GPUType != "RTX_4090" {
		t.Errorf("expected default gpu_type RTX_4090, got %q", cfg.GPUType)
	}
	if cfg.NumGPUs != 1 {
		t.Errorf("expected default num_gpus 1, got %d", cfg.NumGPUs)
	}
	if cfg.DiskGB != 32.0 {
		t.Errorf("expected default disk_gb 32, got %g", cfg.DiskGB)
	}
	if cfg.Image != "vastai/base-image:cuda-12.8.1-auto" {
		t.Errorf("expected default image, got %q", cfg.Image)
	}
	if cfg.PatchFile != "patch.diff" {
		t.Errorf("expected default patch_file patch.diff, got %q", cfg.PatchFile)
	}
	if cfg.ResultFile != "vastai_results.txt" {
		t.Errorf("expected default result_file vastai_results.txt, got %q", cfg.ResultFile)
	}
	if cfg.StatusPoll.Interval != 5*time.Second || cfg.StatusPoll.MaxAttempts != 360 {
		t.Errorf("expected default status poll 5s/360, got %v/%d", cfg.StatusPoll.Interval, cfg.StatusPoll.MaxAttempts)
	}
	if cfg.SSHPoll.Interval != 10*time.Second || cfg.SSHPoll.MaxAttempts != 30 {
		t.Errorf("expected default ssh poll 10s/30, got %v/%d", cfg.SSHPoll.Interval, cfg.SSHPoll.MaxAttempts)
	}
	if cfg.Benchmark.RemoteResultPath != "~/llama.cpp/results.out.txt" {
		t.Errorf("expected default remote result path, got %q", cfg.Benchmark.RemoteResultPath)
	}
	if cfg.KeepInstance {
		t.Error("expected keep_instance to default to false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	contents := `
gpu_type = "H100_SXM"
max_price = 1.5
keep_instance = true

[benchmark]
ref = "b4500"
bench_args = "-fa 1"

[status_poll]
interval = "2s"
max_attempts = 10
`
	path := filepath.Join(t.TempDir(), "vastbench.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("couldn't write test config: %v", err)
	}

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cfg.GPUType != "H100_SXM" {
		t.Errorf("expected gpu_type H100_SXM from file, got %q", cfg.GPUType)
	}
	if cfg.MaxPrice != 1.5 {
		t.Errorf("expected max_price 1.5 from file, got %g", cfg.MaxPrice)
	}
	if !cfg.KeepInstance {
		t.Error("expected keep_instance true from file")
	}
	if cfg.Benchmark.Ref != "b4500" {
		t.Errorf("expected benchmark ref b4500 from file, got %q", cfg.Benchmark.Ref)
	}
	if cfg.Benchmark.BenchArgs != "-fa 1" {
		t.Errorf("expected bench_args from file, got %q", cfg.Benchmark.BenchArgs)
	}
	if cfg.StatusPoll.Interval != 2*time.Second || cfg.StatusPoll.MaxAttempts != 10 {
		t.Errorf("expected status poll 2s/10 from file, got %v/%d", cfg.StatusPoll.Interval, cfg.StatusPoll.MaxAttempts)
	}

	// Values the file does not mention keep their defaults.
	if cfg.Provider != "vast" {
		t.Errorf("expected provider to keep its default, got %q", cfg.Provider)
	}
	if cfg.NumGPUs != 1 {
		t.Errorf("expected num_gpus to keep its default, got %d", cfg.NumGPUs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.toml")

	if _, err := Load(missing, true); err == nil {
		t.Error("expected an error for an explicitly requested missing file")
	}

	if _, err := Load(missing, false); err != nil {
		t.Errorf("expected the default file to be optional, got %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VASTBENCH_GPU_TYPE", "A100_PCIE")
	t.Setenv("VASTBENCH_NUM_GPUS", "2")
	t.Setenv("VASTBENCH_BENCHMARK__REF", "deadbeef")
	t.Setenv("VASTBENCH_STATUS_POLL__MAX_ATTEMPTS", "3")

	cfg, err := Load("", false)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cfg.GPUType != "A100_PCIE" {
		t.Errorf("expected gpu_type from environment, got %q", cfg.GPUType)
	}
	if cfg.NumGPUs != 2 {
		t.Errorf("expected num_gpus 2 from environment, got %d", cfg.NumGPUs)
	}
	if cfg.Benchmark.Ref != "deadbeef" {
		t.Errorf("expected benchmark ref from environment, got %q", cfg.Benchmark.Ref)
	}
	if cfg.StatusPoll.MaxAttempts != 3 {
		t.Errorf("expected status poll attempts from environment, got %d", cfg.StatusPoll.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", false)
		if err != nil {
			t.Fatalf("couldn't load defaults: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "lambda" }},
		{"empty gpu type", func(c *Config) { c.GPUType = "" }},
		{"zero gpus", func(c *Config) { c.NumGPUs = 0 }},
		{"negative disk", func(c *Config) { c.DiskGB = -1 }},
		{"negative max price", func(c *Config) { c.MaxPrice = -0.01 }},
		{"zero status poll interval", func(c *Config) { c.StatusPoll.Interval = 0 }},
		{"zero ssh poll attempts", func(c *Config) { c.SSHPoll.MaxAttempts = 0 }},
		{"empty result file", func(c *Config) { c.ResultFile = "" }},
		{"empty remote result path", func(c *Config) { c.Benchmark.RemoteResultPath = "" }},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Errorf("expected %s to fail validation", tt.name)
			}
		})
	}
}
