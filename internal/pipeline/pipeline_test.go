package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/planner"
	"github.com/raaihank/piiswap/internal/pool"
)

type recordingSink struct {
	mu    sync.Mutex
	pages []PageResult
	runs  []*RunResult
}

func (s *recordingSink) PageDone(_ string, r PageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, r)
}

func (s *recordingSink) RunDone(r *RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
}

type fixture struct {
	dir     string
	textDir string
	layout  artifacts.Layout
	store   *mapping.FileStore
	pool    *pool.Pool
}

func newFixture(t *testing.T, candidates map[pii.PiiType][]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	textDir := filepath.Join(dir, "text")
	require.NoError(t, os.MkdirAll(textDir, 0o755))

	p, err := pool.New(candidates)
	require.NoError(t, err)

	layout := artifacts.NewLayout(dir, "")
	store, err := mapping.NewFileStore(layout.MasterPath(), zap.NewNop())
	require.NoError(t, err)

	return &fixture{dir: dir, textDir: textDir, layout: layout, store: store, pool: p}
}

func (f *fixture) page(t *testing.T, n int, text string, decls pii.Declarations) {
	t.Helper()
	page := pii.PageKey(n)
	require.NoError(t, os.WriteFile(filepath.Join(f.textDir, string(page)+".txt"), []byte(text), 0o644))
	if decls != nil {
		require.NoError(t, f.layout.WriteDeclarations(page, decls))
	}
}

func (f *fixture) pipeline(workers int) *Pipeline {
	cfg := config.PipelineConfig{Workers: workers, CleanText: true, Source: "text", TextDir: f.textDir}
	builder := planner.NewBuilder(f.store, f.pool, zap.NewNop())
	return New(builder, extract.NewTextDir(f.textDir), f.layout, cfg, zap.NewNop())
}

func defaultCandidates() map[pii.PiiType][]string {
	return map[pii.PiiType][]string{
		"Patient_Name": {"Smith", "Jones", "Brown"},
		"MRN":          {"SWH07605906", "SWH07605907"},
	}
}

func TestRunCertifiesPagesAndWritesArtifacts(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "SWHC-Freer, James-Enc #131017766", pii.Declarations{
		{Type: "Patient_Name", Original: "Freer"},
		{Type: "MRN", Original: "131017766"},
	})
	f.page(t, 2, "Nothing to see\t\there", pii.Declarations{})
	f.page(t, 3, "Follow-up for MRN 131017766", pii.Declarations{
		{Type: "MRN", Original: "131017766"},
	})

	sink := &recordingSink{}
	res, err := f.pipeline(1).WithSink(sink).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalPages)
	assert.Equal(t, 3, res.Certified)
	assert.Equal(t, 0, res.Failed)

	sanitized, err := f.layout.ReadSanitized("page_1")
	require.NoError(t, err)
	assert.Equal(t, "SWHC-Smith, James-Enc #SWH07605906", sanitized)

	page2, err := f.layout.ReadSanitized("page_2")
	require.NoError(t, err)
	assert.Equal(t, "Nothing to see here", page2)

	page3, err := f.layout.ReadSanitized("page_3")
	require.NoError(t, err)
	assert.Equal(t, "Follow-up for MRN SWH07605906", page3)

	plan3, err := f.layout.ReadPlan("page_3")
	require.NoError(t, err)
	a, ok := plan3.Lookup("MRN")
	require.True(t, ok)
	assert.Equal(t, "SWH07605906", a.Dummy)

	master, err := artifacts.ReadMaster(f.layout.MasterPath())
	require.NoError(t, err)
	assert.Len(t, master.Pages, 3)
	index, err := master.Index()
	require.NoError(t, err)
	assert.Equal(t, "SWH07605906", index["131017766"])

	var report Report
	require.NoError(t, artifacts.ReadJSON(f.layout.VerificationPath("page_1"), &report))
	assert.Equal(t, StatusCertified, report.Status)
	require.NotNil(t, report.Verification)
	assert.True(t, report.Verification.Passed)

	_, err = os.Stat(f.layout.SummaryPath())
	assert.NoError(t, err)

	assert.Len(t, sink.pages, 3)
	require.Len(t, sink.runs, 1)
	assert.Equal(t, res.RunID, sink.runs[0].RunID)
}

func TestRunIsolatesFailingPage(t *testing.T) {
	f := newFixture(t, map[pii.PiiType][]string{"MRN": {"SWH07605906"}})
	f.page(t, 1, "MRN 131017766", pii.Declarations{{Type: "MRN", Original: "131017766"}})
	f.page(t, 2, "MRN 222222222", pii.Declarations{{Type: "MRN", Original: "222222222"}})
	f.page(t, 3, "MRN 131017766 again", pii.Declarations{{Type: "MRN", Original: "131017766"}})

	res, err := f.pipeline(1).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Certified)
	assert.Equal(t, 1, res.Failed)
	failed := res.Pages[1]
	assert.Equal(t, pii.PageID("page_2"), failed.Page)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "pool_exhausted", failed.ErrorKind)
	assert.NotContains(t, failed.Error, "222222222")

	_, err = os.Stat(f.layout.SanitizedPath("page_2"))
	assert.True(t, os.IsNotExist(err))

	var report Report
	require.NoError(t, artifacts.ReadJSON(f.layout.VerificationPath("page_2"), &report))
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, "pool_exhausted", report.ErrorKind)
}

func TestRunSkipsPagesWithoutDeclarations(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "James Freer", pii.Declarations{{Type: "Patient_Name", Original: "Freer"}})
	f.page(t, 2, "James Freer", nil)

	res, err := f.pipeline(1).Run(context.Background(), []pii.PageID{"page_1", "page_2"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Certified)
	assert.Equal(t, 1, res.Skipped)

	// Page 2 declared nothing, so its copy of the name is not touched by page 1's plan
	_, err = os.Stat(f.layout.SanitizedPath("page_2"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMissingTextFailsPage(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	require.NoError(t, f.layout.WriteDeclarations("page_1", pii.Declarations{{Type: "MRN", Original: "131017766"}}))

	res, err := f.pipeline(1).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Pages[0].Err, extract.ErrNoText)
}

func TestRunParallelKeepsMappingConsistent(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = "Dummy" + strings.Repeat("x", i+1)
	}
	f := newFixture(t, map[pii.PiiType][]string{"Patient_Name": names})

	for n := 1; n <= 20; n++ {
		f.page(t, n, "Seen by Freer and Okafor", pii.Declarations{
			{Type: "Patient_Name", Original: "Freer"},
		})
	}

	res, err := f.pipeline(6).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Certified)

	master, err := artifacts.ReadMaster(f.layout.MasterPath())
	require.NoError(t, err)
	assert.Len(t, master.Pages, 20)
	_, err = master.Index()
	require.NoError(t, err)
	assert.Equal(t, 39, f.pool.Remaining("Patient_Name"))
}

func TestRunMintsInPageOrderWhateverTheWorkerCount(t *testing.T) {
	candidates := make([]string, 12)
	for i := range candidates {
		candidates[i] = fmt.Sprintf("Dummy%02d", i)
	}

	assign := func(workers int) map[string]string {
		f := newFixture(t, map[pii.PiiType][]string{"Patient_Name": candidates})
		for n := 1; n <= 12; n++ {
			name := fmt.Sprintf("Patient%02d", n)
			f.page(t, n, "Seen by "+name, pii.Declarations{{Type: "Patient_Name", Original: name}})
		}

		res, err := f.pipeline(workers).Run(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, 12, res.Certified)

		assignments, err := f.store.Assignments(context.Background())
		require.NoError(t, err)
		return assignments
	}

	sequential := assign(1)
	assert.Equal(t, "Dummy00", sequential["Patient01"])
	assert.Equal(t, "Dummy11", sequential["Patient12"])
	for i := 0; i < 3; i++ {
		assert.Equal(t, sequential, assign(8))
	}
}

func TestRunMirrorsMasterForExternalStores(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "MRN 131017766", pii.Declarations{{Type: "MRN", Original: "131017766"}})

	store := mapping.NewMemoryStore()
	cfg := config.PipelineConfig{Workers: 2, CleanText: true, Source: "text", TextDir: f.textDir}
	builder := planner.NewBuilder(store, f.pool, zap.NewNop())
	p := New(builder, extract.NewTextDir(f.textDir), f.layout, cfg, zap.NewNop()).WithMasterMirror(store)

	_, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	master, err := artifacts.ReadMaster(f.layout.MasterPath())
	require.NoError(t, err)
	a, ok := master.Pages["page_1"].Lookup("MRN")
	require.True(t, ok)
	assert.Equal(t, "SWH07605906", a.Dummy)
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "MRN 131017766", pii.Declarations{{Type: "MRN", Original: "131017766"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipeline(1).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Certified)
}

func TestReverifyDetectsTampering(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "SWHC-Freer #131017766", pii.Declarations{
		{Type: "Patient_Name", Original: "Freer"},
		{Type: "MRN", Original: "131017766"},
	})

	p := f.pipeline(1)
	_, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	verification, err := p.Reverify(context.Background(), "page_1")
	require.NoError(t, err)
	assert.True(t, verification.Passed)

	require.NoError(t, os.WriteFile(f.layout.SanitizedPath("page_1"), []byte("SWHC-Smith #131017766"), 0o644))

	verification, err = p.Reverify(context.Background(), "page_1")
	require.NoError(t, err)
	assert.False(t, verification.Passed)
	assert.ErrorIs(t, verification.Err(), pii.ErrIncompleteReplacement)

	var report Report
	require.NoError(t, artifacts.ReadJSON(f.layout.VerificationPath("page_1"), &report))
	assert.Equal(t, StatusFailed, report.Status)
}

func TestRunWithComparison(t *testing.T) {
	f := newFixture(t, defaultCandidates())
	f.page(t, 1, "Patient Freer seen today", pii.Declarations{{Type: "Patient_Name", Original: "Freer"}})

	ocrDir := filepath.Join(f.dir, "ocr")
	require.NoError(t, os.MkdirAll(ocrDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ocrDir, "page_1.txt"), []byte("patient freer seen"), 0o644))

	res, err := f.pipeline(1).WithComparison(extract.NewTextDir(ocrDir)).Run(context.Background(), nil)
	require.NoError(t, err)

	require.NotNil(t, res.Accuracy)
	assert.Equal(t, 75.0, res.Accuracy.AverageAccuracy)

	var c extract.Comparison
	require.NoError(t, artifacts.ReadJSON(f.layout.ComparisonPath("page_1"), &c))
	assert.Equal(t, 3, c.CommonWords)
}
