package common

import (
	"time"
)

// Result is the body of /run-speedtest.
type Result struct {
	Download float64 `json:"download"` // Mbps
	Upload   float64 `json:"upload"`   // Mbps
	Ping     float64 `json:"ping"`     // ms
}

// Detail is a full measurement, served on /json.
type Detail struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	Server DetailServer `json:"server"`

	Ping          float64 `json:"ping"`
	Download      float64 `json:"download"`
	Upload        float64 `json:"upload"`
	DownloadBytes uint64  `json:"download_bytes"`
	UploadBytes   uint64  `json:"upload_bytes"`
}

type DetailServer struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Addr         string `json:"addr"`
	Country      string `json:"country,omitempty"`
	City         string `json:"city,omitempty"`
	Organization string `json:"organization,omitempty"`
}

func (d *Detail) Result() Result {
	return Result{
		Download: d.Download,
		Upload:   d.Upload,
		Ping:     d.Ping,
	}
}
