package coremodel

import "context"

// DepotManifestPair pins a specific depot to a specific manifest, bypassing
// branch resolution for that depot.
type DepotManifestPair struct {
	DepotID    DepotId
	ManifestID ManifestId // ManifestIdLatest resolves via the branch instead
}

// RetryPolicy configures the exponential backoff used by manifest and chunk
// fetch retry loops.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelayMs    int
	MaxDelayMs        int
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy mirrors the original fixed 3-retry/500ms-base backoff,
// generalized with a cap and optional jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelayMs:    500,
		MaxDelayMs:        30_000,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// DownloadOptions configures a single planning/download invocation.
type DownloadOptions struct {
	AppID              AppId
	DepotManifestPairs []DepotManifestPair
	Branch             string
	BranchPassword     string

	OS           string
	Architecture string
	Language     string

	DownloadAllPlatforms bool
	DownloadAllArchs     bool
	DownloadAllLanguages bool
	LowViolence          bool

	InstallDir string

	FileIncludePaths   []string
	FileIncludeRegexes []string

	VerifyAll     bool
	ManifestOnly  bool
	MaxConcurrency int // 1..=64, default 8

	CellID uint32

	// MaxBytesPerSecond: nil or <= 0 both mean unlimited.
	MaxBytesPerSecond *int64

	RetryPolicy RetryPolicy

	Resume           bool
	FailFast         bool
	VerifyDiskSpace  bool
	Cancellation     context.Context
}

// WithDefaults fills in zero-valued fields with their documented defaults.
func (o DownloadOptions) WithDefaults() DownloadOptions {
	if o.Branch == "" {
		o.Branch = DefaultBranch
	}
	if o.Language == "" {
		o.Language = "english"
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	if o.MaxConcurrency > 64 {
		o.MaxConcurrency = 64
	}
	if o.RetryPolicy == (RetryPolicy{}) {
		o.RetryPolicy = DefaultRetryPolicy()
	}
	if o.Cancellation == nil {
		o.Cancellation = context.Background()
	}
	return o
}

// UnlimitedBandwidth reports whether the configured rate should be treated
// as unlimited: nil or <= 0 both mean unlimited.
func (o DownloadOptions) UnlimitedBandwidth() bool {
	return o.MaxBytesPerSecond == nil || *o.MaxBytesPerSecond <= 0
}

// DepotPlan is one depot's resolved target within a DownloadPlan.
type DepotPlan struct {
	DepotID         DepotId
	ContainingAppID AppId // the app whose license/depot-key request covers this depot; may differ via depotfromapp
	ManifestID      ManifestId
	Files           []FileEntry
	TotalSize       uint64
}

// DownloadPlan is the planner's output: one DepotPlan per depot to download,
// in depot-enumeration order.
type DownloadPlan struct {
	AppID   AppId
	AppName string
	Depots  []DepotPlan
}

// DepotDownloadInfo is the resolved tuple needed to execute one depot.
type DepotDownloadInfo struct {
	DepotID         DepotId
	ContainingAppID AppId
	ManifestID      ManifestId
	Branch          string
	InstallDir      string
	DepotKey        DepotKey
}
