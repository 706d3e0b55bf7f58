// Package bundle assembles the immutable context handed to the agent
// executor: project files, user preferences, memory, cross-session
// recall, and derived diagnostics.
package bundle

import "context"

// FileRef identifies one project file available to the executor.
type FileRef struct {
	FileID   string `json:"fileId"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Tokens   int    `json:"tokens,omitempty"`
	Loaded   bool   `json:"loaded,omitempty"`
}

// ContentLoader lazily hydrates file contents by ID.
type ContentLoader func(ctx context.Context, fileIDs []string) (map[string]string, error)

// ContextBundle is the immutable context for one top-level request. It is
// built once and reused unmodified across fallback and retry attempts,
// except where a retry explicitly narrows it (trimmed open-tabs list).
type ContextBundle struct {
	Files             []FileRef
	Preferences       map[string]string
	MemoryContext     string
	DiagnosticContext string
	OpenTabs          []string

	loadContent ContentLoader
}

// LoadContent hydrates the given file IDs. Returns an empty map when the
// bundle was built without a loader.
func (b *ContextBundle) LoadContent(ctx context.Context, fileIDs []string) (map[string]string, error) {
	if b.loadContent == nil {
		return map[string]string{}, nil
	}
	return b.loadContent(ctx, fileIDs)
}

// WithOpenTabs returns a copy of the bundle with a narrowed open-tabs
// list. Used by the context-reduction retry; the original is unchanged.
func (b *ContextBundle) WithOpenTabs(tabs []string) *ContextBundle {
	nb := *b
	nb.OpenTabs = tabs
	return &nb
}

// TotalFiles returns the number of files known to the bundle.
func (b *ContextBundle) TotalFiles() int { return len(b.Files) }

// LoadedStats returns the count of hydrated files and their token sum.
func (b *ContextBundle) LoadedStats() (files, tokens int) {
	for _, f := range b.Files {
		if f.Loaded {
			files++
			tokens += f.Tokens
		}
	}
	return files, tokens
}
