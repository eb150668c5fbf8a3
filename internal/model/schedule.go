package model

import "time"

// RenewalSchedule is the recurring trigger for certificate renewal.
type RenewalSchedule struct {
	// Spec is a 5-field cron expression, e.g. "0 0,12 * * *".
	Spec     string `json:"spec"`
	Calendar string `json:"calendar"`
	// Period is the longest gap between two consecutive firings.
	Period  time.Duration `json:"period"`
	Enabled bool          `json:"enabled"`
}
