package client

// CreateInstanceRequest is the POST /instances body.
type CreateInstanceRequest struct {
	Name         string   `json:"name"`
	VCPUs        int      `json:"vcpus,omitempty"`
	MemoryMB     int64    `json:"memory_mb,omitempty"`
	StorageBytes int64    `json:"storage_bytes,omitempty"`
	RPCPort      int      `json:"rpc_port,omitempty"`
	TEEMode      bool     `json:"tee_mode,omitempty"`
	KernelPath   string   `json:"kernel_path"`
	InitrdPath   string   `json:"initrd_path"`
	OVMFPath     string   `json:"ovmf_path,omitempty"`
	KatanaArgs   []string `json:"katana_args,omitempty"`
}

// Instance is the daemon's wire projection of an instance.
type Instance struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Status              string   `json:"status"`
	Error               string   `json:"error,omitempty"`
	VCPUs               int      `json:"vcpus"`
	MemoryMB            int64    `json:"memory_mb"`
	StorageBytes        int64    `json:"storage_bytes"`
	RPCPort             int      `json:"rpc_port"`
	TEEMode             bool     `json:"tee_mode"`
	ExpectedMeasurement string   `json:"expected_measurement,omitempty"`
	KatanaArgs          []string `json:"katana_args,omitempty"`
	VMPid               *int     `json:"vm_pid"`
	QMPSocket           string   `json:"qmp_socket,omitempty"`
	SerialLog           string   `json:"serial_log,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	UpdatedAt           int64    `json:"updated_at"`
}

// InstanceList is the GET /instances response.
type InstanceList struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

// LogsResponse is the batched tail response.
type LogsResponse struct {
	InstanceName string   `json:"instance_name"`
	Lines        []string `json:"lines"`
	TotalLines   int      `json:"total_lines"`
}

// Stats is the per-instance stats response.
type Stats struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	DiskUsage     int64  `json:"disk_usage_bytes"`
	StorageQuota  int64  `json:"storage_quota_bytes"`
	QuotaExceeded bool   `json:"quota_exceeded"`
	VMPid         int    `json:"vm_pid,omitempty"`
}

// AttestationResult is the attest response.
type AttestationResult struct {
	Verified            bool   `json:"verified"`
	ExpectedMeasurement string `json:"expected_measurement"`
	ActualMeasurement   string `json:"actual_measurement"`
	BlockNumber         uint64 `json:"block_number"`
	BlockHash           string `json:"block_hash"`
	StateRoot           string `json:"state_root"`
	QuoteHex            string `json:"quote_hex"`
}
