package metadata

import (
	"os"
	"testing"

	"github.com/am17an/vastai-llama-bench/utils"
)

var environmentTests = []struct {
	environmentVar string
	want           AppEnvironment
}{
	{"localdev", "localdev"},
	{"LocalDev", "localdev"},
	{"LOCALDEV", "localdev"},

	{"DEV", "dev"},
	{"dev", "dev"},
	{"Dev", "dev"},
	{"development", "dev"},

	{"staging", "staging"},
	{"Staging", "staging"},
	{"STAGING", "staging"},

	{"prod", "prod"},
	{"Prod", "prod"},
	{"PROD", "prod"},
	{"production", "prod"},

	{"unknown", "localdev"},
	{"Random", "localdev"},
	{"DEFAULT", "localdev"},
	{"", "localdev"},
}

func TestParseAppEnvironment(t *testing.T) {
	for _, tt := range environmentTests {
		testname := utils.Sprintf("%s,%s", tt.environmentVar, tt.want)
		t.Run(testname, func(t *testing.T) {
			got := parseAppEnvironment(tt.environmentVar)

			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGetAppEnvironmentMemoizes(t *testing.T) {
	defer func(orig func() AppEnvironment) { GetAppEnvironment = orig }(GetAppEnvironment)

	first := GetAppEnvironment()

	// Changing the environment variable after the first call must not change
	// the cached result.
	os.Setenv("APP_ENV", "staging")
	defer os.Unsetenv("APP_ENV")

	second := GetAppEnvironment()
	if first != second {
		t.Errorf("expected memoized environment %s, got %s", first, second)
	}
}

func TestIsLocalEnv(t *testing.T) {
	defer func(orig func() AppEnvironment) { GetAppEnvironment = orig }(GetAppEnvironment)

	for _, tt := range environmentTests {
		want := tt.want == EnvLocalDev

		testname := utils.Sprintf("%s,%v", tt.environmentVar, want)
		t.Run(testname, func(t *testing.T) {
			env := tt.want
			GetAppEnvironment = func() AppEnvironment { return env }
			got := IsLocalEnv()

			if got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

var ciTests = []struct {
	ciVar string
	want  bool
}{
	{"1", true},
	{"yes", true},
	{"TRUE", true},
	{"on", true},
	{"0", false},
	{"no", false},
	{"FALSE", false},
	{"off", false},
	{"", false},
	{"gibberish", false},
}

func TestIsRunningInCI(t *testing.T) {
	origCI, hadCI := os.LookupEnv("CI")
	defer func() {
		if hadCI {
			os.Setenv("CI", origCI)
		} else {
			os.Unsetenv("CI")
		}
	}()

	for _, tt := range ciTests {
		testname := utils.Sprintf("%s,%v", tt.ciVar, tt.want)
		t.Run(testname, func(t *testing.T) {
			os.Setenv("CI", tt.ciVar)
			got := IsRunningInCI()

			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
