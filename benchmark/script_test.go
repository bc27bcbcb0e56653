package benchmark

import (
	"strings"
	"testing"

	"github.com/am17an/vastai-llama-bench/config"
)

func defaultBenchmark(t *testing.T) config.Benchmark {
	t.Helper()
	cfg, err := config.Load("", false)
	if err != nil {
		t.Fatalf("couldn't load default config: %v", err)
	}
	return cfg.Benchmark
}

func TestRenderSetupScript(t *testing.T) {
	script, err := RenderSetupScript(defaultBenchmark(t))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if !strings.HasPrefix(script, "#!/bin/bash") {
		t.Error("expected a bash shebang")
	}

	wantLines := []string{
		"set -euo pipefail",
		`REPO_URL="https://github.com/ggml-org/llama.cpp"`,
		`REF="master"`,
		`git clone "$REPO_URL" llama.cpp`,
		`git checkout "$REF"`,
		`git apply "$HOME/patch.diff"`,
		`RESULTS="$HOME/llama.cpp/results.out.txt"`,
		`./build-baseline/bin/llama-bench -m "$MODEL"`,
		`./build-patched/bin/llama-bench -m "$MODEL"`,
		`tee "$RESULTS"`,
	}
	for _, want := range wantLines {
		if !strings.Contains(script, want) {
			t.Errorf("expected the script to contain %q", want)
		}
	}
}

func TestRenderSetupScriptCustomRecord(t *testing.T) {
	bench := defaultBenchmark(t)
	bench.Ref = "b4519"
	bench.BenchArgs = "-p 512 -n 128"
	bench.AptPackages = []string{"libcurl4-openssl-dev", "ninja-build"}
	bench.RemoteResultPath = "/data/results.txt"

	script, err := RenderSetupScript(bench)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	wantLines := []string{
		`REF="b4519"`,
		`llama-bench -m "$MODEL" -p 512 -n 128`,
		"libcurl4-openssl-dev ninja-build",
		`RESULTS="/data/results.txt"`,
	}
	for _, want := range wantLines {
		if !strings.Contains(script, want) {
			t.Errorf("expected the script to contain %q", want)
		}
	}
}

var incompleteRecordTests = []struct {
	name   string
	mutate func(*config.Benchmark)
}{
	{"missing repo", func(b *config.Benchmark) { b.RepoURL = "" }},
	{"missing ref", func(b *config.Benchmark) { b.Ref = "" }},
	{"missing model", func(b *config.Benchmark) { b.ModelURL = "" }},
	{"missing result path", func(b *config.Benchmark) { b.RemoteResultPath = "" }},
}

func TestRenderSetupScriptRejectsIncompleteRecords(t *testing.T) {
	for _, tt := range incompleteRecordTests {
		t.Run(tt.name, func(t *testing.T) {
			bench := defaultBenchmark(t)
			tt.mutate(&bench)

			if _, err := RenderSetupScript(bench); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
