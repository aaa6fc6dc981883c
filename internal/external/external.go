// Package external defines the consumed-only adapter contracts,
// InputSource and Settings. Nothing in this package is produced by
// the core — callers resolve these from issue trackers, CLI flags, or
// the operator settings file and hand the core a finished record.
package external

import "github.com/loomwork/conclave/internal/clusterconfig"

// InputSource is the resolved seed record behind ISSUE_OPENED's
// content. Resolving a raw {text?, file?, issue?} descriptor (fetching
// the issue, reading the file) happens outside the core; by the time a
// cluster starts, Text and Data are already final.
type InputSource struct {
	Text string
	Data map[string]any // title, body, labels, url, number,...
}

// Settings is the subset of the operator settings the core reads at
// cluster start. File format and defaults are the adapter's concern.
type Settings struct {
	MaxLevel             clusterconfig.ModelLevel
	MinLevel             clusterconfig.ModelLevel
	DefaultProvider      string
	StrictSchema         bool
	AutoCheckUpdates     bool
	DockerMounts         []string
	DockerEnvPassthrough []string
	DefaultIssueSource   string
	MaxParallel          int
}
