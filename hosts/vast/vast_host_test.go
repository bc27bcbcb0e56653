package vast

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/am17an/vastai-llama-bench/config"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// fakeCLI plays back canned vastai output keyed by subcommand, so tests
// never run the real CLI.
type fakeCLI struct {
	calls     [][]string
	responses map[string]string
	errs      map[string]error
}

func (f *fakeCLI) Output(ctx context.Context, name string, arg ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, arg...))

	key := name
	if len(arg) > 0 {
		key = arg[0]
	}
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func (f *fakeCLI) Stream(ctx context.Context, w io.Writer, name string, arg ...string) error {
	f.calls = append(f.calls, append([]string{name}, arg...))
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", false)
	if err != nil {
		t.Fatalf("couldn't load default config: %v", err)
	}
	return cfg
}

// newTestHost skips Initialize so each test controls exactly which CLI calls
// happen, and uses an unlimited rate limiter to keep tests fast.
func newTestHost(cfg *config.Config, cli *fakeCLI) *Host {
	return &Host{
		config:  cfg,
		runner:  cli,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

var initializeTests = []struct {
	name       string
	versionOut string
	versionErr error
	wantErr    bool
}{
	{"recent version", "0.2.8\n", nil, false},
	{"prefixed version", "vastai 0.3.1\n", nil, false},
	{"too old", "0.1.9\n", nil, true},
	{"unparsable continues", "development build\n", nil, false},
	{"empty continues", "\n", nil, false},
	{"cli missing", "", errors.New("executable file not found in $PATH"), true},
}

func TestInitialize(t *testing.T) {
	for _, tt := range initializeTests {
		t.Run(tt.name, func(t *testing.T) {
			cli := &fakeCLI{
				responses: map[string]string{"--version": tt.versionOut},
			}
			if tt.versionErr != nil {
				cli.errs = map[string]error{"--version": tt.versionErr}
			}

			host := New(cli)
			err := host.Initialize(context.Background(), testConfig(t))

			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected nil error, got %v", err)
			}
		})
	}
}

const searchJSON = `[
  {"id": 1, "ask_contract_id": 111, "machine_id": 91, "gpu_name": "RTX 4090", "num_gpus": 1, "dph_total": 0.40, "disk_space": 100.0, "geolocation": "Taiwan, TW", "reliability2": 0.99},
  {"id": 2, "ask_contract_id": 222, "machine_id": 92, "gpu_name": "RTX 4090", "num_gpus": 1, "dph_total": 0.25, "disk_space": 64.0, "geolocation": "Sweden, SE", "reliability2": 0.95},
  {"id": 3, "ask_contract_id": 0, "machine_id": 93, "gpu_name": "RTX 4090", "num_gpus": 1, "dph_total": 0.10, "disk_space": 500.0},
  {"id": 4, "ask_contract_id": 444, "machine_id": 0, "gpu_name": "RTX 4090", "num_gpus": 1, "dph_total": 0.12, "disk_space": 500.0},
  {"id": 5, "ask_contract_id": 555, "machine_id": 95, "gpu_name": "RTX 4090", "num_gpus": 1, "disk_space": 500.0}
]`

func TestSearchOffers(t *testing.T) {
	cli := &fakeCLI{responses: map[string]string{"search": searchJSON}}
	host := newTestHost(testConfig(t), cli)

	offers, err := host.SearchOffers(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	// Records without a contract, machine, or price are dropped.
	if len(offers) != 2 {
		t.Fatalf("expected 2 usable offers, got %d: %+v", len(offers), offers)
	}

	want := types.Offer{
		ID:           "111",
		GPUName:      "RTX 4090",
		NumGPUs:      1,
		PricePerHour: 0.40,
		DiskGB:       100.0,
		Location:     "Taiwan, TW",
		Reliability:  0.99,
	}
	if !cmp.Equal(offers[0], want) {
		t.Errorf("expected offer %+v, got %+v", want, offers[0])
	}

	wantCall := []string{"vastai", "search", "instances", "gpu_name == RTX_4090 num_gpus=1", "--raw"}
	if len(cli.calls) != 1 || !reflect.DeepEqual(cli.calls[0], wantCall) {
		t.Errorf("expected search command %v, got %v", wantCall, cli.calls)
	}
}

func TestSearchOffersPassesAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = "secret-key"

	cli := &fakeCLI{responses: map[string]string{"search": "[]"}}
	host := newTestHost(cfg, cli)

	if _, err := host.SearchOffers(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	call := cli.calls[0]
	if call[len(call)-2] != "--api-key" || call[len(call)-1] != "secret-key" {
		t.Errorf("expected --api-key to be appended, got %v", call)
	}
}

func TestSearchOffersBadJSON(t *testing.T) {
	cli := &fakeCLI{responses: map[string]string{"search": "Usage: vastai search ..."}}
	host := newTestHost(testConfig(t), cli)

	if _, err := host.SearchOffers(context.Background()); err == nil {
		t.Error("expected an error for unparsable search output")
	}
}

func TestLaunchInstance(t *testing.T) {
	cli := &fakeCLI{responses: map[string]string{
		"create": `{"success": true, "new_contract": 1234567}`,
	}}
	host := newTestHost(testConfig(t), cli)

	id, err := host.LaunchInstance(context.Background(), types.Offer{ID: "111", PricePerHour: 0.25})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if id != "1234567" {
		t.Errorf("expected instance ID 1234567, got %s", id)
	}

	call := cli.calls[0]
	wantPrefix := []string{"vastai", "create", "instance", "111", "--image", "vastai/base-image:cuda-12.8.1-auto", "--disk", "32"}
	if !reflect.DeepEqual(call[:len(wantPrefix)], wantPrefix) {
		t.Errorf("expected create command to start with %v, got %v", wantPrefix, call)
	}
	if call[len(wantPrefix)] != "--label" || !strings.HasPrefix(call[len(wantPrefix)+1], "vastbench-") {
		t.Errorf("expected a vastbench label, got %v", call)
	}
	if call[len(call)-1] != "--raw" {
		t.Errorf("expected --raw at the end, got %v", call)
	}
}

var parseCreateTests = []struct {
	name    string
	out     string
	want    types.InstanceID
	wantErr bool
}{
	{"new_contract key", `{"success": true, "new_contract": 123}`, "123", false},
	{"id key", `{"id": 99}`, "99", false},
	{"instance_id key", `{"instance_id": 77}`, "77", false},
	{"text with json fragment", `Started. {"id": 678, "success": true}`, "678", false},
	{"no id anywhere", `{"success": false}`, "", true},
	{"plain text", `failed to create instance`, "", true},
}

func TestParseCreateResponse(t *testing.T) {
	for _, tt := range parseCreateTests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCreateResponse(tt.out)

			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Errorf("expected nil error, got %v", err)
				return
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

const showJSON = `[
  {"id": 555, "actual_status": "loading", "gpu_name": "RTX 4090", "dph_total": 0.25, "label": "someone-else"},
  {"id": 1234567, "actual_status": "%s", "gpu_name": "RTX 4090", "dph_total": 0.25, "label": "vastbench-abc"}
]`

var statusTests = []struct {
	raw  string
	want types.InstanceStatus
}{
	{"running", types.StatusRunning},
	{"ready", types.StatusRunning},
	{"Running", types.StatusRunning},
	{"failed", types.StatusFailed},
	{"error", types.StatusFailed},
	{"stopped", types.StatusStopped},
	{"exited", types.StatusStopped},
	{"loading", types.StatusProvisioning},
	{"creating", types.StatusProvisioning},
	{"", types.StatusProvisioning},
}

func TestInstanceStatus(t *testing.T) {
	for _, tt := range statusTests {
		t.Run("status "+tt.raw, func(t *testing.T) {
			cli := &fakeCLI{responses: map[string]string{
				"show": strings.Replace(showJSON, "%s", tt.raw, 1),
			}}
			host := newTestHost(testConfig(t), cli)

			inst, err := host.InstanceStatus(context.Background(), "1234567")
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if inst.Status != tt.want {
				t.Errorf("expected status %s for %q, got %s", tt.want, tt.raw, inst.Status)
			}
			if inst.RawStatus != tt.raw {
				t.Errorf("expected raw status %q to be kept, got %q", tt.raw, inst.RawStatus)
			}
		})
	}
}

func TestInstanceStatusNotListed(t *testing.T) {
	cli := &fakeCLI{responses: map[string]string{"show": `[{"id": 555, "actual_status": "running"}]`}}
	host := newTestHost(testConfig(t), cli)

	inst, err := host.InstanceStatus(context.Background(), "1234567")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if inst.Status != types.StatusUnknown {
		t.Errorf("expected StatusUnknown for unlisted instance, got %s", inst.Status)
	}
}

func TestConnectionInfo(t *testing.T) {
	cli := &fakeCLI{responses: map[string]string{
		"ssh-url": "ssh://root@ssh4.vast.ai:26378\n",
	}}
	host := newTestHost(testConfig(t), cli)

	info, err := host.ConnectionInfo(context.Background(), "1234567")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	want := types.ConnectionInfo{User: "root", Host: "ssh4.vast.ai", Port: 26378}
	if !reflect.DeepEqual(info, want) {
		t.Errorf("expected %+v, got %+v", want, info)
	}
}

func TestConnectionInfoFallsBackToSCPURL(t *testing.T) {
	cli := &fakeCLI{
		responses: map[string]string{"scp-url": "scp://root@ssh4.vast.ai:26378\n"},
		errs:      map[string]error{"ssh-url": errors.New("ssh-url unsupported")},
	}
	host := newTestHost(testConfig(t), cli)

	info, err := host.ConnectionInfo(context.Background(), "1234567")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if info.Host != "ssh4.vast.ai" || info.Port != 26378 {
		t.Errorf("expected fallback scp-url to be parsed, got %+v", info)
	}
}

func TestDestroyInstance(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		cli := &fakeCLI{responses: map[string]string{"destroy": "destroying instance 1234567."}}
		host := newTestHost(testConfig(t), cli)

		if err := host.DestroyInstance(context.Background(), "1234567"); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("already gone", func(t *testing.T) {
		cli := &fakeCLI{errs: map[string]error{"destroy": errors.New("failed with error 404: no such instance")}}
		host := newTestHost(testConfig(t), cli)

		if err := host.DestroyInstance(context.Background(), "1234567"); err != nil {
			t.Errorf("expected already-destroyed instance to count as success, got %v", err)
		}
	})

	t.Run("real failure", func(t *testing.T) {
		cli := &fakeCLI{errs: map[string]error{"destroy": errors.New("api temporarily unavailable")}}
		host := newTestHost(testConfig(t), cli)

		if err := host.DestroyInstance(context.Background(), "1234567"); err == nil {
			t.Error("expected an error for a real destroy failure")
		}
	})
}
