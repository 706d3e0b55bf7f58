package bundle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/logger"
)

// FileStore lists project files and hydrates their contents.
type FileStore interface {
	ListFiles(ctx context.Context, projectID string) ([]FileRef, error)
	LoadContent(ctx context.Context, projectID string, fileIDs []string) (map[string]string, error)
}

// PreferenceStore loads per-user preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (map[string]string, error)
}

// MemoryStore loads long-lived memory text for a user/project pair. The
// store may not exist for a given user; absence is not an error.
type MemoryStore interface {
	Memory(ctx context.Context, projectID, userID string) (string, error)
}

// RecallStore retrieves cross-session context for a conversation.
type RecallStore interface {
	Recall(ctx context.Context, sessionID string) (string, error)
}

// Progress is invoked with human-readable load milestones so the caller
// can surface activity during the fan-in.
type Progress func(label, detail string)

// Loader fans out the independent context reads and joins them into one
// ContextBundle.
type Loader struct {
	files FileStore
	prefs PreferenceStore
	mem   MemoryStore
	rec   RecallStore
}

// NewLoader creates a Loader. mem and rec may be nil when the deployment
// has no memory or recall backend.
func NewLoader(files FileStore, prefs PreferenceStore, mem MemoryStore, rec RecallStore) *Loader {
	return &Loader{files: files, prefs: prefs, mem: mem, rec: rec}
}

// Load builds the bundle for one request. All sub-fetches run
// concurrently; any optional fetch that fails degrades to an empty value
// rather than failing the bundle. Partial context is always preferable
// to no context.
func (l *Loader) Load(ctx context.Context, projectID, userID, sessionID string, openTabs []string, progress Progress) (*ContextBundle, error) {
	if progress != nil {
		progress("loading_context", "gathering project context")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		files  []FileRef
		prefs  map[string]string
		memory string
		recall string
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		fs, err := l.files.ListFiles(ctx, projectID)
		if err != nil {
			logger.WarnContext(ctx, "file listing failed, continuing with empty file set", "error", err)
			return
		}
		mu.Lock()
		files = fs
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p, err := l.prefs.Preferences(ctx, userID)
		if err != nil {
			logger.WarnContext(ctx, "preference load failed, continuing without preferences", "error", err)
			return
		}
		mu.Lock()
		prefs = p
		mu.Unlock()
	}()

	if l.mem != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := l.mem.Memory(ctx, projectID, userID)
			if err != nil {
				logger.WarnContext(ctx, "memory load failed, continuing without memory", "error", err)
				return
			}
			mu.Lock()
			memory = m
			mu.Unlock()
		}()
	}

	if l.rec != nil && sessionID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.rec.Recall(ctx, sessionID)
			if err != nil {
				logger.WarnContext(ctx, "cross-session recall failed, continuing without it", "error", err)
				return
			}
			mu.Lock()
			recall = r
			mu.Unlock()
		}()
	}

	wg.Wait()

	if prefs == nil {
		prefs = map[string]string{}
	}

	memCtx := memory
	if recall != "" {
		if memCtx != "" {
			memCtx += "\n\n"
		}
		memCtx += recall
	}

	b := &ContextBundle{
		Files:         files,
		Preferences:   prefs,
		MemoryContext: memCtx,
		OpenTabs:      openTabs,
		loadContent: func(ctx context.Context, ids []string) (map[string]string, error) {
			return l.files.LoadContent(ctx, projectID, ids)
		},
	}
	b.DiagnosticContext = deriveDiagnostics(ctx, b)

	if progress != nil {
		progress("context_loaded", fmt.Sprintf("%d files available", len(files)))
	}
	return b, nil
}

// deriveDiagnostics summarizes the loaded file set. Derivation must never
// block execution: any panic is swallowed and logged.
func deriveDiagnostics(ctx context.Context, b *ContextBundle) (diag string) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "diagnostic derivation panicked", "panic", r)
			diag = ""
		}
	}()

	if len(b.Files) == 0 {
		return ""
	}

	byExt := map[string]int{}
	for _, f := range b.Files {
		ext := "none"
		if i := strings.LastIndex(f.Name, "."); i >= 0 && i < len(f.Name)-1 {
			ext = f.Name[i+1:]
		}
		byExt[ext]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "project has %d files", len(b.Files))
	for ext, n := range byExt {
		fmt.Fprintf(&sb, ", %d .%s", n, ext)
	}
	return sb.String()
}
