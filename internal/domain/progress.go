package domain

// Stage identifies which pipeline stage produced a progress snapshot.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTranscode Stage = "transcode"
)

// ProgressSnapshot is the parsed state of one output line, merged incrementally.
type ProgressSnapshot struct {
	Percentage     float64   `json:"percentage"`
	Indeterminate  bool      `json:"indeterminate,omitempty"`
	Speed          string    `json:"speed,omitempty"`
	ETA            string    `json:"eta,omitempty"`
	DownloadedSize string    `json:"downloaded_size,omitempty"`
	TotalSize      string    `json:"total_size,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	Stage          Stage     `json:"stage,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	ErrorReason    string    `json:"error_reason,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// ToolAvailability reports whether the external tools were found.
type ToolAvailability struct {
	FetcherFound   bool   `json:"fetcher_found"`
	FetcherPath    string `json:"fetcher_path,omitempty"`
	ConverterFound bool   `json:"converter_found"`
	ConverterPath  string `json:"converter_path,omitempty"`
}
