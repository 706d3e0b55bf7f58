package background

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/store"
)

// syncDebounce coalesces bursts of apply batches into one sync pass.
const syncDebounce = 2 * time.Second

// Syncer re-hydrates file caches after the applier invalidates them,
// so the next context load does not pay the cold-read cost. Requests
// are debounced per project.
type Syncer struct {
	store *store.Store

	mu      sync.Mutex
	pending map[string]map[string]struct{} // projectID -> fileIDs
	timers  map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(st *store.Store) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		store:   st,
		pending: make(map[string]map[string]struct{}),
		timers:  make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ScheduleSync queues the given files for a debounced warm-up pass.
func (s *Syncer) ScheduleSync(projectID string, fileIDs []string) {
	if len(fileIDs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.pending[projectID]
	if !ok {
		set = make(map[string]struct{})
		s.pending[projectID] = set
	}
	for _, id := range fileIDs {
		set[id] = struct{}{}
	}

	if t, ok := s.timers[projectID]; ok {
		t.Reset(syncDebounce)
		return
	}
	s.timers[projectID] = time.AfterFunc(syncDebounce, func() {
		s.flush(projectID)
	})
}

// Stop cancels in-flight syncs and waits for them to finish.
func (s *Syncer) Stop() {
	s.cancel()

	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Syncer) flush(projectID string) {
	s.mu.Lock()
	set := s.pending[projectID]
	delete(s.pending, projectID)
	delete(s.timers, projectID)
	s.mu.Unlock()

	if len(set) == 0 || s.ctx.Err() != nil {
		return
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()

		if _, err := s.store.LoadContent(ctx, projectID, ids); err != nil {
			logger.Warn("file sync failed", "project_id", projectID, "files", len(ids), "error", err)
			return
		}
		logger.Debug("file sync completed", "project_id", projectID, "files", len(ids))
	}()
}
