package coremodel

import "time"

// InstalledManifestMap persists, per install directory, which manifest is
// currently installed for each depot.
type InstalledManifestMap map[DepotId]ManifestId

// Sentinel marks a depot as "in progress; previous install invalidated" for
// the duration of a run, only replaced by the real target id once every
// file in the depot has been written and validated.
const InstalledSentinel ManifestId = ManifestIdLatest

// DepotResumeState is the per-depot checkpoint inside ResumeState.
// CompletedChunkIDs is keyed by the chunk id's hex encoding rather than the
// raw [20]byte, since a fixed-size array can't be a JSON object key.
type DepotResumeState struct {
	ManifestID        ManifestId      `json:"manifestId"`
	CompletedChunkIDs map[string]bool `json:"completedChunkIds"`
	CompletedFiles    map[string]bool `json:"completedFiles"`
	BytesDownloaded   int64           `json:"bytesDownloaded"`
	TotalBytes        int64           `json:"totalBytes"`
	IsComplete        bool            `json:"isComplete"`
}

// ResumeState is the per-install-directory JSON checkpoint, resumable
// across restarts.
type ResumeState struct {
	AppID         AppId                         `json:"appId"`
	Branch        string                        `json:"branch"`
	StartedAt     time.Time                     `json:"startedAt"`
	LastUpdatedAt time.Time                     `json:"lastUpdatedAt"`
	Depots        map[DepotId]*DepotResumeState `json:"depots"`
}

// NewResumeState creates an empty, freshly-started resume state.
func NewResumeState(appID AppId, branch string, now time.Time) *ResumeState {
	return &ResumeState{
		AppID:         appID,
		Branch:        branch,
		StartedAt:     now,
		LastUpdatedAt: now,
		Depots:        make(map[DepotId]*DepotResumeState),
	}
}

// DepotFailure records one depot's terminal failure for a non-fail-fast run.
type DepotFailure struct {
	DepotID      DepotId
	ErrorMessage string
}

// DepotOutcome is one depot's final result within a DownloadResult.
type DepotOutcome struct {
	DepotID    DepotId
	Succeeded  bool
	Error      string
	BytesTotal int64
}

// DownloadResult is the engine's terminal report across all depots in a plan.
type DownloadResult struct {
	Outcomes []DepotOutcome
}

// AllSucceeded reports whether every depot outcome succeeded.
func (r DownloadResult) AllSucceeded() bool {
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			return false
		}
	}
	return true
}

// ChunkWorkItem is one unit of the reconciler's output queue: a chunk
// that still needs to be fetched from the CDN and
// written into FilePath at Chunk.Offset. The chunk pipeline opens FilePath
// lazily and serializes writes to it with a per-file mutex.
type ChunkWorkItem struct {
	DepotID  DepotId
	FilePath string // absolute final path on disk
	File     *FileEntry
	Chunk    ChunkEntry
}

// ProgressEvent is emitted to the UI sink during a chunk pipeline drain.
type ProgressEvent struct {
	BytesDownloaded           int64
	TotalBytes                int64
	CurrentFile               string
	FilesCompleted            int
	TotalFiles                int
	SpeedBytesPerSecond       float64
	EstimatedTimeRemaining    time.Duration // < 0 means unknown/infinite
	CurrentDepotID            DepotId
}
