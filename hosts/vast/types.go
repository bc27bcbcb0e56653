package vast // import "github.com/am17an/vastai-llama-bench/hosts/vast"

// offerRecord is one entry of `vastai search instances --raw` output. Only
// the fields the adapter reads are declared.
type offerRecord struct {
	ID            int64   `json:"id"`
	AskContractID int64   `json:"ask_contract_id"`
	MachineID     int64   `json:"machine_id"`
	GPUName       string  `json:"gpu_name"`
	NumGPUs       int     `json:"num_gpus"`
	DphTotal      float64 `json:"dph_total"`
	DiskSpace     float64 `json:"disk_space"`
	Geolocation   string  `json:"geolocation"`
	Reliability   float64 `json:"reliability2"`
}

// instanceRecord is one entry of `vastai show instances --raw` output.
type instanceRecord struct {
	ID           int64   `json:"id"`
	ActualStatus string  `json:"actual_status"`
	GPUName      string  `json:"gpu_name"`
	DphTotal     float64 `json:"dph_total"`
	Label        string  `json:"label"`
}

// createResponse is the JSON shape of `vastai create instance --raw`. The
// CLI has keyed the new instance ID differently over time, so all known
// spellings are declared and the first non-zero one wins.
type createResponse struct {
	Success     bool  `json:"success"`
	NewContract int64 `json:"new_contract"`
	ID          int64 `json:"id"`
	InstanceID  int64 `json:"instance_id"`
}
