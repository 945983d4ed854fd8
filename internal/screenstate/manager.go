// File: internal/screenstate/manager.go
// Description: The dedup index over every screen the crawler has ever seen,
// plus the per-run bookkeeping (visit counts, action history, step numbering)
// the decision oracle is prompted with. The crawl loop is the only caller and
// runs sequentially, so the manager carries no locking.
package screenstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
	"github.com/ganainy/appium-traverser-sub001/internal/uitree"
)

// Persister is the slice of the store the manager needs. *store.Store
// satisfies it.
type Persister interface {
	LoadScreens(ctx context.Context) ([]store.Screen, error)
	InsertScreen(ctx context.Context, sc *store.Screen) (int64, error)
	StepsForRun(ctx context.Context, runID string) ([]store.Step, error)
}

// ScreenState is one distinct screen in the index. Identity is the composite
// hash; the id is the persisted screen_id (or a locally assigned stand-in
// when the insert failed).
type ScreenState struct {
	ID                  int64
	CompositeHash       string
	XMLHash             string
	VisualHash          string
	ScreenshotPath      string
	ActivityName        string
	FirstSeenRunID      string
	FirstSeenStepNumber int
}

// Candidate is a freshly captured screen before deduplication. The crawler
// computes the hashes; the manager decides whether the screen is new.
type Candidate struct {
	CompositeHash string
	XMLHash       string
	VisualHash    string
	ActivityName  string
	XMLContent    string
	ScreenshotPNG []byte
	StepNumber    int
}

// VisitInfo describes how the resolved screen relates to crawl history.
type VisitInfo struct {
	// IsNewDiscovery is true when the screen was new to the whole system,
	// not merely unseen in this run.
	IsNewDiscovery    bool
	VisitCountThisRun int
	PreviousActions   []string
}

// Manager owns the screen index and the run-scoped counters.
type Manager struct {
	store Persister
	log   *zap.Logger

	byComposite   map[string]*ScreenState
	ordered       []*ScreenState // insertion order, scanned for similarity
	visitCounts   map[string]int
	actionHistory map[string][]string

	nextID           int64
	latestStepNumber int

	runID string

	similarityThreshold int
	historyLimit        int
	screenshotDir       string
}

// NewManager builds an empty manager; InitializeForRun populates it.
func NewManager(p Persister, cfg config.CrawlConfig, screenshotDir string, logger *zap.Logger) *Manager {
	limit := cfg.ActionHistoryLimit
	if limit <= 0 {
		limit = 20
	}
	return &Manager{
		store:               p,
		log:                 logger.Named("screenstate"),
		byComposite:         make(map[string]*ScreenState),
		visitCounts:         make(map[string]int),
		actionHistory:       make(map[string][]string),
		nextID:              1,
		similarityThreshold: cfg.SimilarityThreshold,
		historyLimit:        limit,
		screenshotDir:       screenshotDir,
	}
}

// InitializeForRun loads every persisted screen into the index and, when
// continuing a run, replays its step log so visit counts, action history and
// the step numbering pick up exactly where the previous process stopped.
func (m *Manager) InitializeForRun(ctx context.Context, runID string, isContinuation bool) error {
	m.runID = runID
	m.byComposite = make(map[string]*ScreenState)
	m.ordered = m.ordered[:0]
	m.visitCounts = make(map[string]int)
	m.actionHistory = make(map[string][]string)
	m.latestStepNumber = 0
	m.nextID = 1

	screens, err := m.store.LoadScreens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load screen index: %w", err)
	}
	var maxID int64
	for i := range screens {
		row := screens[i]
		state := &ScreenState{
			ID:                  row.ID,
			CompositeHash:       row.CompositeHash,
			XMLHash:             row.XMLHash,
			VisualHash:          row.VisualHash,
			ScreenshotPath:      row.ScreenshotPath,
			ActivityName:        row.ActivityName,
			FirstSeenRunID:      row.FirstSeenRunID,
			FirstSeenStepNumber: row.FirstSeenStepNumber,
		}
		m.byComposite[state.CompositeHash] = state
		m.ordered = append(m.ordered, state)
		if state.ID > maxID {
			maxID = state.ID
		}
	}
	m.nextID = maxID + 1

	if isContinuation {
		if err := m.replayRunHistory(ctx, runID); err != nil {
			return err
		}
	}
	m.log.Debug("Screen index initialized",
		zap.Int("known_screens", len(m.ordered)),
		zap.Int64("next_id", m.nextID),
		zap.Int("latest_step", m.latestStepNumber),
		zap.Bool("continuation", isContinuation))
	return nil
}

// replayRunHistory rebuilds the per-run counters from the persisted step
// log: each step counts one visit of its from-screen and contributes its
// action to that screen's history.
func (m *Manager) replayRunHistory(ctx context.Context, runID string) error {
	steps, err := m.store.StepsForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to replay run history: %w", err)
	}

	byID := make(map[int64]*ScreenState, len(m.ordered))
	for _, sc := range m.ordered {
		byID[sc.ID] = sc
	}
	for _, st := range steps {
		if st.StepNumber > m.latestStepNumber {
			m.latestStepNumber = st.StepNumber
		}
		from, ok := byID[st.FromScreenID]
		if !ok {
			// NULL from-screen or a row referencing a wiped screen.
			continue
		}
		m.visitCounts[from.CompositeHash]++
		if st.ActionDescription != "" {
			m.appendHistory(from.CompositeHash, st.ActionDescription)
		}
	}
	return nil
}

// ResolveOrCreate deduplicates a captured screen: exact composite-hash hit
// first, then (threshold >= 0) the first known screen within the perceptual
// distance threshold in insertion order, else a newly indexed and persisted
// screen. countVisit controls whether this resolution counts as a visit;
// the reported count includes the increment when it does.
//
// Persistence failures degrade: a screenshot that cannot be written leaves
// the path empty, and a row that cannot be inserted keeps the locally
// assigned id. Only context cancellation aborts.
func (m *Manager) ResolveOrCreate(ctx context.Context, cand Candidate, countVisit bool) (*ScreenState, VisitInfo, error) {
	state := m.lookup(cand)
	isNew := false
	if state == nil {
		created, err := m.create(ctx, cand)
		if err != nil {
			return nil, VisitInfo{}, err
		}
		state = created
		isNew = true
	}

	count := m.visitCounts[state.CompositeHash]
	if countVisit {
		count++
		m.visitCounts[state.CompositeHash] = count
	}

	info := VisitInfo{
		IsNewDiscovery:    isNew,
		VisitCountThisRun: count,
		PreviousActions:   m.ActionHistory(state.CompositeHash),
	}
	return state, info, nil
}

func (m *Manager) lookup(cand Candidate) *ScreenState {
	if state, ok := m.byComposite[cand.CompositeHash]; ok {
		return state
	}
	if m.similarityThreshold < 0 {
		return nil
	}
	// Sentinel hashes compare as SentinelDistance and can never merge.
	for _, existing := range m.ordered {
		if d := uitree.VisualDistance(cand.VisualHash, existing.VisualHash); d <= m.similarityThreshold {
			m.log.Debug("Merging visually similar screen",
				zap.Int64("screen_id", existing.ID),
				zap.Int("distance", d))
			return existing
		}
	}
	return nil
}

func (m *Manager) create(ctx context.Context, cand Candidate) (*ScreenState, error) {
	state := &ScreenState{
		ID:                  m.nextID,
		CompositeHash:       cand.CompositeHash,
		XMLHash:             cand.XMLHash,
		VisualHash:          cand.VisualHash,
		ActivityName:        cand.ActivityName,
		FirstSeenRunID:      m.runID,
		FirstSeenStepNumber: cand.StepNumber,
	}
	state.ScreenshotPath = m.writeScreenshot(state.ID, cand)

	id, err := m.store.InsertScreen(ctx, &store.Screen{
		CompositeHash:       state.CompositeHash,
		XMLHash:             state.XMLHash,
		VisualHash:          state.VisualHash,
		ScreenshotPath:      state.ScreenshotPath,
		ActivityName:        state.ActivityName,
		XMLContent:          cand.XMLContent,
		FirstSeenRunID:      state.FirstSeenRunID,
		FirstSeenStepNumber: state.FirstSeenStepNumber,
	})
	switch {
	case err == nil:
		if id != state.ID {
			// The store is authoritative for ids; the local counter can
			// drift when another process inserted screens meanwhile.
			m.log.Warn("Screen id disagreement, adopting store id",
				zap.Int64("local_id", state.ID),
				zap.Int64("store_id", id))
			state.ID = id
		}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		m.log.Error("Failed to persist new screen, keeping in-memory state; a continued run may re-create it",
			zap.Int64("screen_id", state.ID),
			zap.Error(NewPersistenceError("insert screen", err)))
	}

	m.byComposite[state.CompositeHash] = state
	m.ordered = append(m.ordered, state)
	if state.ID >= m.nextID {
		m.nextID = state.ID + 1
	}
	m.log.Info("Discovered new screen",
		zap.Int64("screen_id", state.ID),
		zap.String("activity", state.ActivityName))
	return state, nil
}

// writeScreenshot persists the screen image under a stable name derived from
// the id and visual hash. Failures leave the path empty; the crawl goes on.
func (m *Manager) writeScreenshot(id int64, cand Candidate) string {
	if len(cand.ScreenshotPNG) == 0 {
		return ""
	}
	if err := os.MkdirAll(m.screenshotDir, 0o755); err != nil {
		m.log.Error("Failed to prepare screenshot directory",
			zap.Error(NewPersistenceError("create screenshot directory", err)))
		return ""
	}
	name := fmt.Sprintf("screen_%d_%s.png", id, uitree.ShortVisualHash(cand.VisualHash))
	path := filepath.Join(m.screenshotDir, name)
	if err := os.WriteFile(path, cand.ScreenshotPNG, 0o644); err != nil {
		m.log.Error("Failed to write screenshot",
			zap.String("path", path),
			zap.Error(NewPersistenceError("write screenshot", err)))
		return ""
	}
	return path
}

// RecordAction appends an action description to the screen's history,
// skipping exact repeats and keeping only the most recent entries.
func (m *Manager) RecordAction(compositeHash, description string) {
	if compositeHash == "" || description == "" {
		return
	}
	m.appendHistory(compositeHash, description)
}

func (m *Manager) appendHistory(hash, desc string) {
	hist := m.actionHistory[hash]
	for _, h := range hist {
		if h == desc {
			return
		}
	}
	hist = append(hist, desc)
	if n := len(hist) - m.historyLimit; n > 0 {
		hist = hist[n:]
	}
	m.actionHistory[hash] = hist
}

// ActionHistory returns a copy of the actions recorded at a screen this run.
func (m *Manager) ActionHistory(compositeHash string) []string {
	hist := m.actionHistory[compositeHash]
	if len(hist) == 0 {
		return nil
	}
	return append([]string(nil), hist...)
}

// VisitCount returns how often the screen has been visited this run.
func (m *Manager) VisitCount(compositeHash string) int {
	return m.visitCounts[compositeHash]
}

// LatestStepNumber is the highest persisted step number of the resumed run,
// zero for a fresh run. The crawl loop numbers its next step from here.
func (m *Manager) LatestStepNumber() int {
	return m.latestStepNumber
}

// KnownScreens is the number of distinct screens in the index.
func (m *Manager) KnownScreens() int {
	return len(m.ordered)
}
