// File: internal/screenstate/manager_test.go
package screenstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
	"github.com/ganainy/appium-traverser-sub001/internal/uitree"
)

// Perceptual hash literals: hashNear1/hashNear2 differ by one bit, hashFar
// is dozens of bits from both.
const (
	hashFar   = "p:0000000000000000"
	hashFar2  = "p:ffffffffffffffff"
	hashNear1 = "p:8f3ccc3c1e3c1e00"
	hashNear2 = "p:8f3ccc3c1e3c1e01"
)

// fakePersister is an in-memory Persister with injectable failures.
type fakePersister struct {
	screens   []store.Screen
	steps     map[string][]store.Step
	nextID    int64
	loadErr   error
	insertErr error
	fixedID   int64 // next InsertScreen returns this id when > 0
	inserts   int
}

func newFakePersister() *fakePersister {
	return &fakePersister{steps: make(map[string][]store.Step), nextID: 1}
}

func (f *fakePersister) LoadScreens(ctx context.Context) ([]store.Screen, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]store.Screen(nil), f.screens...), nil
}

func (f *fakePersister) InsertScreen(ctx context.Context, sc *store.Screen) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserts++
	for _, existing := range f.screens {
		if existing.CompositeHash == sc.CompositeHash {
			return existing.ID, nil
		}
	}
	id := f.nextID
	if f.fixedID > 0 {
		id = f.fixedID
		f.fixedID = 0
	}
	row := *sc
	row.ID = id
	f.screens = append(f.screens, row)
	if id >= f.nextID {
		f.nextID = id + 1
	}
	return id, nil
}

func (f *fakePersister) StepsForRun(ctx context.Context, runID string) ([]store.Step, error) {
	return f.steps[runID], nil
}

func newTestManager(t *testing.T, p Persister, threshold int) *Manager {
	t.Helper()
	cfg := config.CrawlConfig{ActionHistoryLimit: 20, SimilarityThreshold: threshold}
	return NewManager(p, cfg, filepath.Join(t.TempDir(), "screenshots"), zaptest.NewLogger(t))
}

func testCandidate(hash, visual string) Candidate {
	return Candidate{
		CompositeHash: hash,
		XMLHash:       "x_" + hash,
		VisualHash:    visual,
		ActivityName:  ".MainActivity",
		XMLContent:    "<hierarchy/>",
		StepNumber:    1,
	}
}

// -- Test Cases: ResolveOrCreate --

func TestResolveOrCreateNewScreen(t *testing.T) {
	fake := newFakePersister()
	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	cand := testCandidate("h1", hashNear1)
	cand.ScreenshotPNG = []byte("not really a png")

	state, info, err := mgr.ResolveOrCreate(context.Background(), cand, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.ID)
	assert.True(t, info.IsNewDiscovery)
	assert.Equal(t, 1, info.VisitCountThisRun)
	assert.Empty(t, info.PreviousActions)
	assert.Equal(t, "run-1", state.FirstSeenRunID)

	// The screenshot lands next to the index under a stable name.
	assert.Equal(t, "screen_1_8f3ccc3c.png", filepath.Base(state.ScreenshotPath))
	data, err := os.ReadFile(state.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, cand.ScreenshotPNG, data)

	require.Len(t, fake.screens, 1)
	assert.Equal(t, state.ScreenshotPath, fake.screens[0].ScreenshotPath)
	assert.Equal(t, "<hierarchy/>", fake.screens[0].XMLContent)
}

func TestResolveOrCreateExactHashHit(t *testing.T) {
	fake := newFakePersister()
	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	first, info1, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)
	second, info2, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.True(t, info1.IsNewDiscovery)
	assert.False(t, info2.IsNewDiscovery)
	assert.Equal(t, 1, info1.VisitCountThisRun)
	assert.Equal(t, 2, info2.VisitCountThisRun)
	assert.Equal(t, 1, mgr.KnownScreens())
	assert.Equal(t, 1, fake.inserts, "an already indexed screen must not be re-inserted")
}

func TestResolveOrCreateCountVisitFlag(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	_, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), false)
	require.NoError(t, err)
	assert.Zero(t, info.VisitCountThisRun)
	assert.Zero(t, mgr.VisitCount("h1"))

	_, info, err = mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)
	assert.Equal(t, 1, info.VisitCountThisRun)
	assert.Equal(t, 1, mgr.VisitCount("h1"))
}

func TestResolveOrCreateMergesVisuallySimilar(t *testing.T) {
	fake := newFakePersister()
	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	original, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)

	// Different composite hash, one bit of visual distance: merged.
	merged, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h2", hashNear2), true)
	require.NoError(t, err)
	assert.Same(t, original, merged)
	assert.False(t, info.IsNewDiscovery)
	assert.Equal(t, 2, info.VisitCountThisRun, "the merged screen absorbs the visit")
	assert.Equal(t, 1, mgr.KnownScreens())

	// Far beyond the threshold: a new screen.
	other, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h3", hashFar), true)
	require.NoError(t, err)
	assert.NotSame(t, original, other)
	assert.True(t, info.IsNewDiscovery)
	assert.Equal(t, 2, mgr.KnownScreens())
}

func TestResolveOrCreateSimilarityDisabled(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), -1)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	_, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)
	_, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h2", hashNear2), true)
	require.NoError(t, err)

	assert.True(t, info.IsNewDiscovery, "threshold -1 must disable perceptual merging")
	assert.Equal(t, 2, mgr.KnownScreens())
}

func TestResolveOrCreateSentinelHashesNeverMerge(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	_, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", uitree.NoImageSentinel), true)
	require.NoError(t, err)
	_, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h2", uitree.NoImageSentinel), true)
	require.NoError(t, err)

	assert.True(t, info.IsNewDiscovery)
	assert.Equal(t, 2, mgr.KnownScreens())
}

func TestResolveOrCreateScreenshotWriteFailureDegrades(t *testing.T) {
	fake := newFakePersister()
	blocker := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cfg := config.CrawlConfig{ActionHistoryLimit: 20, SimilarityThreshold: 5}
	mgr := NewManager(fake, cfg, blocker, zaptest.NewLogger(t))
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	cand := testCandidate("h1", hashNear1)
	cand.ScreenshotPNG = []byte("png")
	state, info, err := mgr.ResolveOrCreate(context.Background(), cand, true)

	require.NoError(t, err, "an unwritable screenshot must not abort the step")
	assert.True(t, info.IsNewDiscovery)
	assert.Empty(t, state.ScreenshotPath)
	require.Len(t, fake.screens, 1)
	assert.Empty(t, fake.screens[0].ScreenshotPath)
}

func TestResolveOrCreateInsertFailureKeepsLocalState(t *testing.T) {
	fake := newFakePersister()
	fake.insertErr = errors.New("disk full")
	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	state, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err, "a failed insert must degrade, not abort")
	assert.True(t, info.IsNewDiscovery)
	assert.Equal(t, int64(1), state.ID, "the locally assigned id stays")

	// Still indexed: the same hash resolves without another insert attempt.
	again, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)
	assert.Same(t, state, again)
	assert.False(t, info.IsNewDiscovery)

	// The next unseen screen advances the local counter.
	fake.insertErr = nil
	next, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h2", hashFar), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)
}

func TestResolveOrCreateAdoptsStoreID(t *testing.T) {
	fake := newFakePersister()
	fake.fixedID = 7
	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	state, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h1", hashNear1), true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.ID, "the store id wins on disagreement")

	next, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h2", hashFar), true)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next.ID, "the local counter follows the adopted id")
}

func TestResolveOrCreateContextCanceled(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := mgr.ResolveOrCreate(ctx, testCandidate("h1", hashNear1), true)
	assert.ErrorIs(t, err, context.Canceled)
}

// -- Test Cases: InitializeForRun --

func TestInitializeForRunLoadsIndexAndNextID(t *testing.T) {
	fake := newFakePersister()
	fake.screens = []store.Screen{
		{ID: 2, CompositeHash: "h2", XMLHash: "x2", VisualHash: hashFar},
		{ID: 9, CompositeHash: "h9", XMLHash: "x9", VisualHash: hashFar2},
		{ID: 5, CompositeHash: "h5", XMLHash: "x5", VisualHash: uitree.NoImageSentinel},
	}
	fake.nextID = 10
	mgr := newTestManager(t, fake, 5)

	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))
	assert.Equal(t, 3, mgr.KnownScreens())

	// An already persisted hash is a plain hit, not a discovery.
	state, info, err := mgr.ResolveOrCreate(context.Background(), testCandidate("h9", hashFar2), true)
	require.NoError(t, err)
	assert.False(t, info.IsNewDiscovery)
	assert.Equal(t, int64(9), state.ID)

	// A genuinely new screen continues after the highest persisted id.
	next, _, err := mgr.ResolveOrCreate(context.Background(), testCandidate("hx", hashNear1), true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), next.ID)
}

func TestInitializeForRunPropagatesLoadError(t *testing.T) {
	fake := newFakePersister()
	fake.loadErr = errors.New("database is locked")
	mgr := newTestManager(t, fake, 5)

	err := mgr.InitializeForRun(context.Background(), "run-1", false)
	assert.ErrorContains(t, err, "failed to load screen index")
}

func TestInitializeForRunContinuationRebuild(t *testing.T) {
	fake := newFakePersister()
	fake.screens = []store.Screen{
		{ID: 1, CompositeHash: "h1", XMLHash: "x1", VisualHash: hashFar},
		{ID: 2, CompositeHash: "h2", XMLHash: "x2", VisualHash: hashFar2},
	}
	fake.nextID = 3
	fake.steps["run-1"] = []store.Step{
		{RunID: "run-1", StepNumber: 1, FromScreenID: 1, ToScreenID: 2, ActionDescription: "TAP button_login"},
		{RunID: "run-1", StepNumber: 2, FromScreenID: 2, ToScreenID: 1, ActionDescription: "BACK"},
		{RunID: "run-1", StepNumber: 3, FromScreenID: 1, ToScreenID: 1, ActionDescription: "SCROLL down"},
		{RunID: "run-1", StepNumber: 4, FromScreenID: 0, ActionDescription: "WAIT"},
	}

	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", true))

	// Four persisted steps: the loop must continue numbering at five.
	assert.Equal(t, 4, mgr.LatestStepNumber())
	assert.Equal(t, 2, mgr.VisitCount("h1"), "one visit per occurrence as from-screen")
	assert.Equal(t, 1, mgr.VisitCount("h2"))
	assert.Equal(t, []string{"TAP button_login", "SCROLL down"}, mgr.ActionHistory("h1"))
	assert.Equal(t, []string{"BACK"}, mgr.ActionHistory("h2"))
}

func TestInitializeForRunFreshRunIgnoresHistory(t *testing.T) {
	fake := newFakePersister()
	fake.screens = []store.Screen{{ID: 1, CompositeHash: "h1", XMLHash: "x1", VisualHash: hashFar}}
	fake.nextID = 2
	fake.steps["run-1"] = []store.Step{
		{RunID: "run-1", StepNumber: 7, FromScreenID: 1, ActionDescription: "TAP x"},
	}

	mgr := newTestManager(t, fake, 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-2", false))

	assert.Zero(t, mgr.LatestStepNumber())
	assert.Zero(t, mgr.VisitCount("h1"))
	assert.Empty(t, mgr.ActionHistory("h1"))
	assert.Equal(t, 1, mgr.KnownScreens(), "the screen index itself is shared across runs")
}

// -- Test Cases: Action history --

func TestRecordActionCapsAndDeduplicates(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	for i := 0; i < 25; i++ {
		mgr.RecordAction("h1", fmt.Sprintf("TAP element_%d", i))
	}
	hist := mgr.ActionHistory("h1")
	require.Len(t, hist, 20)
	assert.Equal(t, "TAP element_5", hist[0], "oldest entries are dropped first")
	assert.Equal(t, "TAP element_24", hist[19])

	mgr.RecordAction("h1", "TAP element_24")
	assert.Len(t, mgr.ActionHistory("h1"), 20, "exact repeats are not re-recorded")
}

func TestActionHistoryReturnsCopy(t *testing.T) {
	mgr := newTestManager(t, newFakePersister(), 5)
	require.NoError(t, mgr.InitializeForRun(context.Background(), "run-1", false))

	mgr.RecordAction("h1", "TAP a")
	hist := mgr.ActionHistory("h1")
	hist[0] = "mutated"

	assert.Equal(t, []string{"TAP a"}, mgr.ActionHistory("h1"))
}

// -- Test Cases: Dedup property --

func TestResolveOrCreateDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const poolSize = 4

	properties.Property("a composite hash maps to exactly one screen and every visit is counted", prop.ForAll(
		func(seq []int) bool {
			fake := newFakePersister()
			cfg := config.CrawlConfig{ActionHistoryLimit: 20, SimilarityThreshold: -1}
			mgr := NewManager(fake, cfg, "", zap.NewNop())
			if err := mgr.InitializeForRun(context.Background(), "run-prop", false); err != nil {
				return false
			}

			firstID := make(map[int]int64)
			occurrences := make(map[int]int)
			for _, pick := range seq {
				cand := Candidate{
					CompositeHash: fmt.Sprintf("hash-%d", pick),
					XMLHash:       fmt.Sprintf("xml-%d", pick),
					VisualHash:    uitree.NoImageSentinel,
				}
				state, info, err := mgr.ResolveOrCreate(context.Background(), cand, true)
				if err != nil {
					return false
				}
				occurrences[pick]++
				if id, seen := firstID[pick]; seen {
					if state.ID != id || info.IsNewDiscovery {
						return false
					}
				} else {
					firstID[pick] = state.ID
					if !info.IsNewDiscovery {
						return false
					}
				}
				if info.VisitCountThisRun != occurrences[pick] {
					return false
				}
			}
			return mgr.KnownScreens() == len(firstID) && fake.inserts == len(firstID)
		},
		gen.SliceOf(gen.IntRange(0, poolSize-1)),
	))

	properties.TestingRun(t)
}
