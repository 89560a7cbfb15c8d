package models

import (
	"time"
)

// UPSSnapshot captures one reading from the UPS. Metric fields are pointers
// because not every unit reports every variable.
type UPSSnapshot struct {
	OnBattery          bool      `json:"on_battery"`
	ChargePercent      *float64  `json:"charge_percent,omitempty"`
	TimeToEmptySeconds *float64  `json:"time_to_empty_seconds,omitempty"`
	InputVoltage       *float64  `json:"input_voltage,omitempty"`
	LoadPercent        *float64  `json:"load_percent,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// IPStatus describes the last-observed public IP and when it was seen.
type IPStatus struct {
	IP        string    `json:"ip"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// ReleaseInfo describes the latest published release of this project,
// cached between upstream fetches.
type ReleaseInfo struct {
	Version    string    `json:"version"`
	Notes      string    `json:"notes,omitempty"`
	HTMLURL    string    `json:"html_url,omitempty"`
	ZipballURL string    `json:"zipball_url"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Float returns a pointer to v. Convenience for optional metric fields.
func Float(v float64) *float64 {
	return &v
}
