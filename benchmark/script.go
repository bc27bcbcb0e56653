package benchmark

import (
	// Needed for the //go:embed directive below.
	_ "embed"
	"strings"
	"text/template"

	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/utils"
)

//go:embed setup_script.sh.tmpl
var setupScriptTemplate string

var setupTemplate = template.Must(template.New("setup_script").Parse(setupScriptTemplate))

// scriptData is the template's view of the benchmark record. ResultPath is
// already shell-quoted, with a leading ~ expanded to $HOME.
type scriptData struct {
	RepoURL     string
	Ref         string
	ModelURL    string
	BenchArgs   string
	AptPackages []string
	ResultPath  string
}

// RenderSetupScript renders the default setup script for the benchmark
// record: clone the repo at the baseline ref, build llama-bench, apply the
// uploaded patch, build again, download the model, and run both builds,
// teeing the combined table to the result path. Users who need something
// else entirely supply their own script instead.
func RenderSetupScript(bench config.Benchmark) (string, error) {
	if bench.RepoURL == "" || bench.Ref == "" {
		return "", utils.MakeError("benchmark repo_url and ref must be set to render a setup script")
	}
	if bench.ModelURL == "" {
		return "", utils.MakeError("benchmark model_url must be set to render a setup script")
	}
	if bench.RemoteResultPath == "" {
		return "", utils.MakeError("benchmark remote_result_path must be set to render a setup script")
	}

	data := scriptData{
		RepoURL:     bench.RepoURL,
		Ref:         bench.Ref,
		ModelURL:    bench.ModelURL,
		BenchArgs:   bench.BenchArgs,
		AptPackages: bench.AptPackages,
		ResultPath:  shellPath(bench.RemoteResultPath),
	}

	var rendered strings.Builder
	if err := setupTemplate.Execute(&rendered, data); err != nil {
		return "", utils.MakeError("couldn't render the setup script template: %s", err)
	}
	return rendered.String(), nil
}

// shellPath quotes a remote path for the script. A leading ~ becomes $HOME
// because the quotes suppress tilde expansion.
func shellPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return `"$HOME/` + path[2:] + `"`
	}
	return `"` + path + `"`
}
