// Package apply resolves proposed file mutations to concrete storage
// identities, rejects destructive edits, persists accepted ones, and
// schedules downstream synchronization.
package apply

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/stream"
)

// Destructive-edit guard thresholds: a proposed edit that shrinks a file
// of more than guardMinOriginal chars below guardKeepRatio of its
// original length is treated as a truncation bug, not an intended change.
const (
	guardMinOriginal = 200
	guardKeepRatio   = 0.5
)

// FileStore persists project files.
type FileStore interface {
	ListFiles(ctx context.Context, projectID string) ([]bundle.FileRef, error)
	SaveFile(ctx context.Context, projectID, fileID, path, content string) error
	InvalidateCache(projectID, fileID string)
}

// SyncScheduler schedules a downstream synchronization job. Fire and
// forget; failures are the scheduler's problem.
type SyncScheduler interface {
	ScheduleSync(projectID string, fileIDs []string)
}

// Events receives the applier's progress and summary events.
type Events interface {
	EmitEvent(ev stream.Event)
}

// Result summarizes one batch application.
type Result struct {
	AppliedFiles []string
	BlockedFiles []string
	SkippedFiles []string
	Previews     []stream.PreviewChange
}

// Applier applies one execution's proposed changes.
type Applier struct {
	files FileStore
	sync  SyncScheduler
	audit *audit.Logger
}

// NewApplier creates an Applier. sync may be nil when no downstream
// consumer exists.
func NewApplier(files FileStore, sync SyncScheduler, auditLog *audit.Logger) *Applier {
	if auditLog == nil {
		auditLog = audit.Default()
	}
	return &Applier{files: files, sync: sync, audit: auditLog}
}

// Apply resolves, guards, and persists the batch. Every change ends in
// exactly one terminal status; nothing is silently discarded. A batch
// summary is always emitted regardless of outcome.
func (a *Applier) Apply(ctx context.Context, executionID, projectID string, changes []executor.ChangeRecord, events Events) (*Result, error) {
	res := &Result{}

	known, err := a.files.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing project files: %w", err)
	}
	index := newFileIndex(known)

	for _, ch := range changes {
		if ch.ProposedContent == "" {
			continue
		}

		fileID := ch.FileID
		if fileID == "" {
			fileID = index.resolve(ch.FilePath)
		}
		if fileID == "" {
			logger.WarnContext(ctx, "change skipped: file not resolved", "path", ch.FilePath)
			res.SkippedFiles = append(res.SkippedFiles, ch.FilePath)
			res.Previews = append(res.Previews, stream.PreviewChange{
				FilePath: ch.FilePath,
				Status:   "skipped",
				Reason:   "file not found in project",
			})
			events.EmitEvent(stream.NewThinking("applying_changes", "skipped unresolvable file", ch.FilePath))
			continue
		}

		if isDestructive(ch.OriginalContent, ch.ProposedContent) {
			logger.WarnContext(ctx, "change rejected by destructive-edit guard",
				"path", ch.FilePath,
				"original_len", len(ch.OriginalContent),
				"proposed_len", len(ch.ProposedContent))
			metrics.ChangesBlocked.Inc()
			a.audit.Log(&audit.Event{
				Operation:   audit.OpChangeReject,
				ProjectID:   projectID,
				ExecutionID: executionID,
				Success:     false,
				Details: map[string]interface{}{
					"path":         ch.FilePath,
					"original_len": len(ch.OriginalContent),
					"proposed_len": len(ch.ProposedContent),
				},
			})
			res.BlockedFiles = append(res.BlockedFiles, ch.FilePath)
			added, removed := lineStats(ch.OriginalContent, ch.ProposedContent)
			res.Previews = append(res.Previews, stream.PreviewChange{
				FilePath: ch.FilePath,
				FileID:   fileID,
				Status:   "rejected",
				Reason:   "proposed content removes most of the file",
				Added:    added,
				Removed:  removed,
			})
			continue
		}

		if err := a.files.SaveFile(ctx, projectID, fileID, ch.FilePath, ch.ProposedContent); err != nil {
			logger.ErrorContext(ctx, "change persistence failed", "path", ch.FilePath, "error", err)
			res.SkippedFiles = append(res.SkippedFiles, ch.FilePath)
			res.Previews = append(res.Previews, stream.PreviewChange{
				FilePath: ch.FilePath,
				FileID:   fileID,
				Status:   "skipped",
				Reason:   "persistence failed",
			})
			continue
		}
		a.files.InvalidateCache(projectID, fileID)
		metrics.ChangesApplied.Inc()
		a.audit.Log(&audit.Event{
			Operation:   audit.OpChangeApply,
			ProjectID:   projectID,
			ExecutionID: executionID,
			Success:     true,
			Details:     map[string]interface{}{"path": ch.FilePath},
		})

		res.AppliedFiles = append(res.AppliedFiles, ch.FilePath)
		added, removed := lineStats(ch.OriginalContent, ch.ProposedContent)
		res.Previews = append(res.Previews, stream.PreviewChange{
			FilePath: ch.FilePath,
			FileID:   fileID,
			Status:   "applied",
			Added:    added,
			Removed:  removed,
		})
	}

	if len(res.AppliedFiles) > 0 && a.sync != nil {
		ids := make([]string, 0, len(res.AppliedFiles))
		for _, p := range res.Previews {
			if p.Status == "applied" {
				ids = append(ids, p.FileID)
			}
		}
		a.sync.ScheduleSync(projectID, ids)
	}

	events.EmitEvent(stream.NewChangePreview(executionID, res.Previews))
	events.EmitEvent(stream.NewThinking("applying_changes",
		fmt.Sprintf("applied %d of %d changes", len(res.AppliedFiles), len(changes)),
		strings.Join(res.BlockedFiles, ", ")))

	return res, nil
}

// isDestructive implements the guard: original longer than
// guardMinOriginal chars and proposed shorter than guardKeepRatio of it.
func isDestructive(original, proposed string) bool {
	if len(original) <= guardMinOriginal {
		return false
	}
	return float64(len(proposed)) < float64(len(original))*guardKeepRatio
}

// lineStats reports added and removed line counts between two versions.
func lineStats(original, proposed string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(original, proposed)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

// fileIndex resolves a change path to a known file ID, trying exact
// path, exact name, then basename.
type fileIndex struct {
	byPath map[string]string
	byName map[string]string
	byBase map[string]string
}

func newFileIndex(files []bundle.FileRef) *fileIndex {
	idx := &fileIndex{
		byPath: make(map[string]string, len(files)),
		byName: make(map[string]string, len(files)),
		byBase: make(map[string]string, len(files)),
	}
	for _, f := range files {
		if _, ok := idx.byPath[f.Path]; !ok {
			idx.byPath[f.Path] = f.FileID
		}
		if _, ok := idx.byName[f.Name]; !ok {
			idx.byName[f.Name] = f.FileID
		}
		base := filepath.Base(f.Path)
		if _, ok := idx.byBase[base]; !ok {
			idx.byBase[base] = f.FileID
		}
	}
	return idx
}

func (idx *fileIndex) resolve(path string) string {
	if id, ok := idx.byPath[path]; ok {
		return id
	}
	if id, ok := idx.byName[path]; ok {
		return id
	}
	if id, ok := idx.byBase[filepath.Base(path)]; ok {
		return id
	}
	return ""
}
