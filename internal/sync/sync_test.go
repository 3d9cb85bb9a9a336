package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func parseStamp(t *testing.T, value string) pipeline.Stamp {
	t.Helper()
	ts, err := http.ParseTime(value)
	if err != nil {
		t.Fatalf("parsing %q: %v", value, err)
	}
	return pipeline.Stamp{Time: ts, Raw: value}
}

// stubUpstream counts probes and body downloads.
type stubUpstream struct {
	stamp pipeline.Stamp
	err   error
	heads int
	gets  int
}

func (s *stubUpstream) LastModified(ctx context.Context) (pipeline.Stamp, error) {
	s.heads++
	if s.err != nil {
		return pipeline.Stamp{}, s.err
	}
	return s.stamp, nil
}

func (s *stubUpstream) Download(ctx context.Context, w io.Writer) (int64, error) {
	s.gets++
	n, err := w.Write([]byte("archive-bytes"))
	return int64(n), err
}

func (s *stubUpstream) URL() string {
	return "https://registry.test/bag.zip"
}

// stubCache models the cache's hit rule in memory: a hit needs a valid
// copy whose recorded snapshot time is not older than the remote's.
type stubCache struct {
	upstream *stubUpstream
	state    pipeline.CacheState
	stamped  time.Time
	err      error
	ensures  int
}

func (c *stubCache) Ensure(ctx context.Context, remote pipeline.Stamp) (string, error) {
	c.ensures++
	if c.err != nil {
		return "", c.err
	}
	current := remote.Time.IsZero() || !c.stamped.Before(remote.Time)
	if c.state != pipeline.CacheValid || !current {
		if _, err := c.upstream.Download(ctx, io.Discard); err != nil {
			return "", err
		}
		c.state = pipeline.CacheValid
		c.stamped = remote.Time
	}
	return "/cache/bag.zip", nil
}

func (c *stubCache) State() pipeline.CacheState {
	return c.state
}

func (c *stubCache) Path() string {
	return "/cache/bag.zip"
}

type stubConverter struct {
	err      error
	converts int
}

func (s *stubConverter) Convert(ctx context.Context, archivePath string) (string, error) {
	s.converts++
	if s.err != nil {
		return "", s.err
	}
	return "/cache/bag.csv", nil
}

type stubLoader struct {
	result pipeline.LoadResult
	err    error
	loads  int
}

func (s *stubLoader) Load(ctx context.Context, exportPath string) (pipeline.LoadResult, error) {
	s.loads++
	if s.err != nil {
		return pipeline.LoadResult{}, s.err
	}
	return s.result, nil
}

// memStore is an in-memory metadata store.
type memStore struct {
	values    map[string]string
	runs      []pipeline.RunRecord
	getErr    error
	upsertErr error
	recordErr error
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Upsert(ctx context.Context, key, value string) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.values[key] = value
	return nil
}

func (m *memStore) RecordRun(ctx context.Context, rec pipeline.RunRecord) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.runs = append(m.runs, rec)
	return nil
}

func (m *memStore) RecentRuns(ctx context.Context, limit int) ([]pipeline.RunRecord, error) {
	var out []pipeline.RunRecord
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *memStore) Close() error {
	return nil
}

// fixture bundles a coordinator with all of its stubs.
type fixture struct {
	upstream    *stubUpstream
	cache       *stubCache
	converter   *stubConverter
	loader      *stubLoader
	store       *memStore
	coordinator Coordinator
}

func newFixture(t *testing.T, remoteLastModified string) *fixture {
	t.Helper()

	f := &fixture{
		upstream:  &stubUpstream{stamp: parseStamp(t, remoteLastModified)},
		converter: &stubConverter{},
		loader: &stubLoader{result: pipeline.LoadResult{
			Rows:    42,
			Columns: []string{"postcode", "city"},
		}},
		store: newMemStore(),
	}
	f.cache = &stubCache{upstream: f.upstream, state: pipeline.CacheAbsent}
	f.coordinator = New(Config{
		Upstream:  f.upstream,
		Cache:     f.cache,
		Converter: f.converter,
		Loader:    f.loader,
		Metadata:  f.store,
		Logger:    testLogger(),
	})
	return f
}

func (f *fixture) watermark(t *testing.T) (string, bool) {
	t.Helper()
	v, ok, err := f.store.Get(context.Background(), pipeline.WatermarkKey)
	if err != nil {
		t.Fatalf("reading watermark: %v", err)
	}
	return v, ok
}

func TestRunFirstSyncRefreshes(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed", result.Outcome)
	}
	if result.Rows != 42 {
		t.Errorf("Rows = %d, want 42", result.Rows)
	}
	if result.RunID == "" {
		t.Error("RunID is empty")
	}
	if f.upstream.gets != 1 {
		t.Errorf("gets = %d, want 1", f.upstream.gets)
	}

	got, ok := f.watermark(t)
	if !ok {
		t.Fatal("no watermark stored after a successful run")
	}
	if got != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("watermark = %q, want the verbatim header value", got)
	}
}

func TestRunSecondRunIsHeadOnly(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")

	if _, err := f.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if result.Outcome != OutcomeUpToDate {
		t.Errorf("second Outcome = %v, want up_to_date", result.Outcome)
	}
	if f.upstream.heads != 2 {
		t.Errorf("heads = %d, want 2", f.upstream.heads)
	}
	if f.upstream.gets != 1 {
		t.Errorf("gets = %d, want 1 (second run must not download)", f.upstream.gets)
	}
	if f.cache.ensures != 1 {
		t.Errorf("ensures = %d, want 1", f.cache.ensures)
	}
	if f.converter.converts != 1 || f.loader.loads != 1 {
		t.Errorf("converts = %d, loads = %d, want 1 each", f.converter.converts, f.loader.loads)
	}
}

func TestNeedsRefresh(t *testing.T) {
	older := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		remote       time.Time
		stored       time.Time
		haveStored   bool
		archiveValid bool
		want         bool
	}{
		{"remote newer than stored", newer, older, true, true, true},
		{"remote equals stored", newer, newer, true, true, false},
		{"remote older than stored", older, newer, true, true, false},
		{"no stored watermark", newer, time.Time{}, false, true, true},
		{"archive invalid despite current watermark", older, newer, true, false, true},
		{"nothing stored, nothing cached", newer, time.Time{}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := needsRefresh(tt.remote, tt.stored, tt.haveStored, tt.archiveValid)
			if got != tt.want {
				t.Errorf("needsRefresh(%v, %v, %v, %v) = %v, want %v",
					tt.remote, tt.stored, tt.haveStored, tt.archiveValid, got, tt.want)
			}
		})
	}
}

func TestRunHealsLostArchive(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")

	if _, err := f.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// Simulate an operator deleting the archive between runs. The
	// remote is unchanged, but the next run must repair the copy.
	f.cache.state = pipeline.CacheAbsent

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("healing Run failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed", result.Outcome)
	}
	if f.upstream.gets != 2 {
		t.Errorf("gets = %d, want 2 (the lost archive must be re-downloaded)", f.upstream.gets)
	}
}

func TestRunRefreshesWhenRemoteIsNewer(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")

	// A structurally valid archive from the previous snapshot, and a
	// watermark one day behind the remote.
	f.cache.state = pipeline.CacheValid
	f.cache.stamped = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	f.store.values[pipeline.WatermarkKey] = "Tue, 31 Dec 2024 00:00:00 GMT"

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed", result.Outcome)
	}
	if f.upstream.gets != 1 {
		t.Errorf("gets = %d, want 1 (stale archive must be re-downloaded)", f.upstream.gets)
	}
	if f.loader.loads != 1 {
		t.Errorf("loads = %d, want 1", f.loader.loads)
	}

	got, _ := f.watermark(t)
	if got != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("watermark = %q, want the new remote value", got)
	}
}

func TestRunLoadFailureKeepsWatermark(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.store.values[pipeline.WatermarkKey] = "Tue, 31 Dec 2024 00:00:00 GMT"
	f.loader.err = fmt.Errorf("%w: inserting row 3 of 9: value too long", pipeline.ErrLoad)

	result, err := f.coordinator.Run(context.Background())
	if !errors.Is(err, pipeline.ErrLoad) {
		t.Fatalf("Run error = %v, want ErrLoad", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %v, want failed", result.Outcome)
	}

	got, ok := f.watermark(t)
	if !ok || got != "Tue, 31 Dec 2024 00:00:00 GMT" {
		t.Errorf("watermark = %q (present=%v), want the old value untouched", got, ok)
	}
}

func TestRunSurfacesStageFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		inject   func(*fixture)
		sentinel error
		kind     string
	}{
		{
			name:     "probe transport failure",
			inject:   func(f *fixture) { f.upstream.err = fmt.Errorf("%w: HEAD: connection refused", pipeline.ErrFetch) },
			sentinel: pipeline.ErrFetch,
			kind:     "fetch",
		},
		{
			name:     "probe without timestamp",
			inject:   func(f *fixture) { f.upstream.err = fmt.Errorf("%w: no Last-Modified header", pipeline.ErrMetadata) },
			sentinel: pipeline.ErrMetadata,
			kind:     "metadata",
		},
		{
			name:     "archive fetch failure",
			inject:   func(f *fixture) { f.cache.err = fmt.Errorf("%w: status 503", pipeline.ErrFetch) },
			sentinel: pipeline.ErrFetch,
			kind:     "fetch",
		},
		{
			name:     "conversion stage failure",
			inject:   func(f *fixture) { f.converter.err = fmt.Errorf("%w: import stage: exit status 1", pipeline.ErrConversion) },
			sentinel: pipeline.ErrConversion,
			kind:     "conversion",
		},
		{
			name:     "malformed export",
			inject:   func(f *fixture) { f.loader.err = fmt.Errorf("%w: record on line 7: wrong number of fields", pipeline.ErrParse) },
			sentinel: pipeline.ErrParse,
			kind:     "parse",
		},
		{
			name: "schema drift under abort policy",
			inject: func(f *fixture) {
				f.loader.err = pipeline.NewSchemaDriftError([]string{"a", "b", "c"}, []string{"a", "b"})
			},
			sentinel: pipeline.ErrSchemaDrift,
			kind:     "schema_drift",
		},
		{
			name:     "watermark store unreachable",
			inject:   func(f *fixture) { f.store.getErr = errors.New("connection refused") },
			sentinel: nil,
			kind:     "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
			tt.inject(f)

			result, err := f.coordinator.Run(context.Background())
			if err == nil {
				t.Fatal("Run succeeded, want failure")
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("error = %v, does not match the stage sentinel", err)
			}
			if got := pipeline.Kind(err); got != tt.kind {
				t.Errorf("Kind(err) = %q, want %q", got, tt.kind)
			}
			if result.Outcome != OutcomeFailed {
				t.Errorf("Outcome = %v, want failed", result.Outcome)
			}
			if f.store.getErr == nil {
				if _, ok := f.watermark(t); ok {
					t.Error("a failed run must not create a watermark")
				}
			}
		})
	}
}

func TestRunAlwaysRefreshBypassesDecision(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.cache.state = pipeline.CacheValid
	f.cache.stamped = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.store.values[pipeline.WatermarkKey] = "Wed, 01 Jan 2025 00:00:00 GMT"

	forced := New(Config{
		Upstream:      f.upstream,
		Cache:         f.cache,
		Converter:     f.converter,
		Loader:        f.loader,
		Metadata:      f.store,
		AlwaysRefresh: true,
		Logger:        testLogger(),
	})

	result, err := forced.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed despite a current watermark", result.Outcome)
	}
	if f.loader.loads != 1 {
		t.Errorf("loads = %d, want 1", f.loader.loads)
	}
	if f.upstream.gets != 0 {
		t.Errorf("gets = %d, want 0 (the current archive is reused)", f.upstream.gets)
	}
}

func TestRunUnparseableWatermarkForcesRefresh(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.cache.state = pipeline.CacheValid
	f.cache.stamped = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.store.values[pipeline.WatermarkKey] = "not a timestamp"

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed", result.Outcome)
	}

	got, _ := f.watermark(t)
	if got != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("watermark = %q, want the garbage replaced by the remote value", got)
	}
}

func TestRunWatermarkWriteFailure(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.store.upsertErr = errors.New("connection reset")

	result, err := f.coordinator.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite the watermark write failing")
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %v, want failed", result.Outcome)
	}
	if result.Rows != 42 {
		t.Errorf("Rows = %d, want 42 (the load itself succeeded)", result.Rows)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	f.loader.err = fmt.Errorf("%w: sink rejected a row", pipeline.ErrLoad)
	f.cache.state = pipeline.CacheAbsent
	if _, err := f.coordinator.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded, want load failure")
	}

	if len(f.store.runs) != 2 {
		t.Fatalf("history has %d entries, want 2", len(f.store.runs))
	}

	first, second := f.store.runs[0], f.store.runs[1]
	if first.ID != result.RunID {
		t.Errorf("history ID = %q, want the run's ID %q", first.ID, result.RunID)
	}
	if first.Outcome != "refreshed" || first.Rows != 42 || first.Error != "" {
		t.Errorf("first record = %+v, want a clean refreshed entry", first)
	}
	if second.Outcome != "failed" || second.Error == "" {
		t.Errorf("second record = %+v, want a failed entry with error text", second)
	}
	if second.FinishedAt.Before(second.StartedAt) {
		t.Error("record finished before it started")
	}
}

func TestRunHistoryWriteFailureIsAdvisory(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.store.recordErr = errors.New("history table missing")

	result, err := f.coordinator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed because history recording failed: %v", err)
	}
	if result.Outcome != OutcomeRefreshed {
		t.Errorf("Outcome = %v, want refreshed", result.Outcome)
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	f := newFixture(t, "Wed, 01 Jan 2025 00:00:00 GMT")
	f.store.values[pipeline.WatermarkKey] = "Tue, 31 Dec 2024 00:00:00 GMT"

	fresh, err := f.coordinator.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !fresh.RefreshNeeded {
		t.Error("RefreshNeeded = false, want true for a newer remote")
	}
	if fresh.Stored != "Tue, 31 Dec 2024 00:00:00 GMT" || !fresh.HaveStored {
		t.Errorf("stored watermark not reported: %+v", fresh)
	}
	if fresh.ArchiveState != pipeline.CacheAbsent {
		t.Errorf("ArchiveState = %v, want absent", fresh.ArchiveState)
	}

	if f.cache.ensures != 0 || f.converter.converts != 0 || f.loader.loads != 0 {
		t.Error("Check touched a pipeline stage")
	}
	if got, _ := f.watermark(t); got != "Tue, 31 Dec 2024 00:00:00 GMT" {
		t.Errorf("Check modified the watermark to %q", got)
	}
}
