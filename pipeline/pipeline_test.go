package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-extractor/internal/types"
	"price-extractor/normalizer"
	"price-extractor/store"
)

type response struct {
	html string
	err  error
}

// fakeFetcher serves canned responses by URL and tracks concurrency.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     map[string]int

	hold        time.Duration
	blockOn     map[string]bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]response),
		calls:     make(map[string]int),
		blockOn:   make(map[string]bool),
	}
}

// on queues responses for a URL; the last one repeats.
func (f *fakeFetcher) on(url string, rs ...response) {
	f.responses[url] = rs
}

func (f *fakeFetcher) Fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	call := f.calls[url]
	f.calls[url]++
	rs := f.responses[url]
	block := f.blockOn[url]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, types.NewFetchError(types.KindTimeout, target.ID, url, ctx.Err())
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if len(rs) == 0 {
		return nil, types.NewFetchError(types.KindNavigation, target.ID, url, errors.New("no such page"))
	}
	r := rs[len(rs)-1]
	if call < len(rs) {
		r = rs[call]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &types.RenderedContent{
		TargetID:  target.ID,
		URL:       url,
		HTML:      r.html,
		FetchedAt: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func listing(items ...string) string {
	html := `<html><body><ul>`
	for _, it := range items {
		html += it
	}
	return html + `</ul></body></html>`
}

func item(id, price string) string {
	return fmt.Sprintf(`<li class="product" data-id="%s" data-price="%s"></li>`, id, price)
}

func target(id string) *types.Target {
	return &types.Target{
		ID:         id,
		Location:   "https://" + id + ".example",
		Render:     types.RenderBrowser,
		Locale:     "es-PE",
		Timezone:   "America/Lima",
		DatePolicy: types.DatePolicyFetchDate,
		Defaults:   types.Defaults{Currency: "PEN", Unit: "unit"},
		Rules: types.Rules{
			RecordSelector: "li.product",
			Fields: map[string]types.FieldRule{
				types.FieldItemID: {Attr: "data-id"},
				types.FieldPrice:  {Attr: "data-price"},
			},
		},
	}
}

func testConfig() *types.Config {
	config := types.DefaultConfig()
	config.RequestDelay = 0
	config.RetryBackoff = time.Millisecond
	config.MaxRetryBackoff = 5 * time.Millisecond
	config.RunDeadline = 10 * time.Second
	return config
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newPipeline(t *testing.T, config *types.Config, fetcher types.Fetcher, writer Writer) *Pipeline {
	n, err := normalizer.New(config.Timezone)
	require.NoError(t, err)
	if writer == nil {
		writer = newStore(t, config)
	}
	return New(config, fetcher, n, writer, testLogger())
}

func newStore(t *testing.T, config *types.Config) *store.Store {
	s, err := store.New(t.TempDir(), config.MergePolicy, testLogger())
	require.NoError(t, err)
	return s
}

func outcome(r *types.RunReport, id string) types.TargetOutcome {
	for _, o := range r.Targets {
		if o.TargetID == id {
			return o
		}
	}
	return types.TargetOutcome{}
}

func TestRun_ThreeTargetScenario(t *testing.T) {
	config := testConfig()
	f := newFakeFetcher()
	f.on("https://a.example", response{html: listing(item("1", "S/. 5.90"), item("2", "S/. 3.20"))})
	f.on("https://b.example", response{err: types.NewFetchError(types.KindTimeout, "b", "https://b.example", context.DeadlineExceeded)})
	f.on("https://c.example", response{html: `<html><body><p>Nada por aquí</p></body></html>`})

	p := newPipeline(t, config, f, nil)
	report := p.Run(context.Background(), []*types.Target{target("a"), target("b"), target("c")})

	assert.Equal(t, types.RunPartial, report.Status)
	assert.Equal(t, 2, report.Totals.Written)
	assert.Equal(t, 1, report.Totals.Failed)
	assert.Equal(t, 1, report.Totals.NoData)
	assert.Equal(t, 1, report.Totals.Succeeded)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	a := outcome(report, "a")
	assert.Equal(t, types.TargetSucceeded, a.Status)
	assert.Equal(t, 2, a.Written)

	b := outcome(report, "b")
	assert.Equal(t, types.TargetFailed, b.Status)
	assert.Equal(t, types.KindTimeout, b.ErrorKind)
	assert.Equal(t, 3, b.Attempts, "timeouts are retried up to max_retries attempts")
	assert.Equal(t, 0, b.Written)

	c := outcome(report, "c")
	assert.Equal(t, types.TargetNoData, c.Status)
	assert.Equal(t, types.KindNoRecordsFound, c.ErrorKind)
	assert.Equal(t, 0, c.Written)
}

func TestRun_NavigationIsNotRetried(t *testing.T) {
	f := newFakeFetcher()
	f.on("https://a.example", response{err: types.NewFetchError(types.KindNavigation, "a", "https://a.example", errors.New("404"))})

	report := newPipeline(t, testConfig(), f, nil).Run(context.Background(), []*types.Target{target("a")})

	assert.Equal(t, 1, f.callCount("https://a.example"))
	o := outcome(report, "a")
	assert.Equal(t, types.TargetFailed, o.Status)
	assert.Equal(t, types.KindNavigation, o.ErrorKind)
	assert.Equal(t, types.RunFailed, report.Status)
}

func TestRun_ConnectionRecoversOnRetry(t *testing.T) {
	f := newFakeFetcher()
	connErr := types.NewFetchError(types.KindConnection, "a", "https://a.example", errors.New("connection refused"))
	f.on("https://a.example", response{err: connErr}, response{html: listing(item("1", "2.50"))})

	report := newPipeline(t, testConfig(), f, nil).Run(context.Background(), []*types.Target{target("a")})

	o := outcome(report, "a")
	assert.Equal(t, types.TargetSucceeded, o.Status)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, 1, o.Written)
	assert.Equal(t, types.RunSucceeded, report.Status)
}

func TestRun_Isolation(t *testing.T) {
	// run b alone, then alongside a failing target; b's outcome must match
	config := testConfig()
	f := newFakeFetcher()
	f.on("https://a.example", response{html: "   "})
	f.on("https://b.example", response{html: listing(item("7", "S/. 1.00"), item("8", "Agotado"))})

	alone := newPipeline(t, config, f, nil).Run(context.Background(), []*types.Target{target("b")})
	together := newPipeline(t, config, f, nil).Run(context.Background(), []*types.Target{target("a"), target("b")})

	want := outcome(alone, "b")
	got := outcome(together, "b")
	for _, o := range []*types.TargetOutcome{&want, &got} {
		o.StartedAt, o.FinishedAt = time.Time{}, time.Time{}
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 1, got.Rejected)
	assert.Equal(t, types.KindUnparsableNumber, got.Rejections[0].Kind)
	assert.Equal(t, types.KindMalformedContent, outcome(together, "a").ErrorKind)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentRequests = 2

	f := newFakeFetcher()
	f.hold = 20 * time.Millisecond
	var targets []*types.Target
	for i := 0; i < 8; i++ {
		tg := target(fmt.Sprintf("t%d", i))
		f.on(tg.Location, response{html: listing(item("1", "1.00"))})
		targets = append(targets, tg)
	}

	report := newPipeline(t, config, f, nil).Run(context.Background(), targets)

	assert.Equal(t, types.RunSucceeded, report.Status)
	assert.LessOrEqual(t, int(f.maxInFlight.Load()), 2)
	assert.Equal(t, 8, report.Totals.Written)
}

func TestRun_DeadlineSkipsUnfinishedTargets(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentRequests = 1
	config.RunDeadline = 100 * time.Millisecond

	f := newFakeFetcher()
	f.on("https://a.example", response{html: listing(item("1", "1.00"))})
	f.blockOn["https://b.example"] = true

	done := make(chan *types.RunReport)
	go func() {
		done <- newPipeline(t, config, f, nil).Run(context.Background(),
			[]*types.Target{target("a"), target("b"), target("c"), target("d")})
	}()

	var report *types.RunReport
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop at the deadline")
	}

	assert.Equal(t, types.TargetSucceeded, outcome(report, "a").Status)
	assert.Equal(t, 1, outcome(report, "a").Written)
	for _, id := range []string{"b", "c", "d"} {
		o := outcome(report, id)
		assert.Equal(t, types.TargetSkipped, o.Status, id)
		assert.Equal(t, types.KindDeadlineExceeded, o.ErrorKind, id)
	}
	assert.Equal(t, types.RunPartial, report.Status)
}

type brokenWriter struct{ calls atomic.Int32 }

func (w *brokenWriter) Write(context.Context, []types.PriceRecord) (*types.WriteResult, error) {
	w.calls.Add(1)
	return nil, &types.WriteError{Kind: types.KindStorageUnavailable, Err: errors.New("disk full")}
}

func TestRun_StorageUnavailableAborts(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentRequests = 1

	f := newFakeFetcher()
	for _, id := range []string{"a", "b", "c"} {
		f.on("https://"+id+".example", response{html: listing(item("1", "1.00"))})
	}
	w := &brokenWriter{}

	report := newPipeline(t, config, f, w).Run(context.Background(), []*types.Target{target("a"), target("b"), target("c")})

	assert.Equal(t, types.RunAborted, report.Status)
	assert.Contains(t, report.FatalError, "disk full")
	assert.Equal(t, int32(1), w.calls.Load())

	a := outcome(report, "a")
	assert.Equal(t, types.TargetFailed, a.Status)
	assert.Equal(t, types.KindStorageUnavailable, a.ErrorKind)
	for _, id := range []string{"b", "c"} {
		o := outcome(report, id)
		assert.Equal(t, types.TargetSkipped, o.Status, id)
		assert.Equal(t, types.KindStorageUnavailable, o.ErrorKind, id)
	}
}

func TestRun_Idempotent(t *testing.T) {
	config := testConfig()
	f := newFakeFetcher()
	f.on("https://a.example", response{html: listing(item("1", "S/. 5.90"), item("2", "S/. 3.20"))})
	s := newStore(t, config)
	p := newPipeline(t, config, f, s)

	first := p.Run(context.Background(), []*types.Target{target("a")})
	keysAfterFirst, err := s.Keys()
	require.NoError(t, err)

	second := p.Run(context.Background(), []*types.Target{target("a")})
	keysAfterSecond, err := s.Keys()
	require.NoError(t, err)

	assert.Equal(t, 2, first.Totals.Written)
	assert.Equal(t, 0, second.Totals.Written)
	assert.Equal(t, 2, second.Totals.Unchanged)
	assert.Equal(t, keysAfterFirst, keysAfterSecond)
	assert.Equal(t, types.RunSucceeded, second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_MultiPageDedup(t *testing.T) {
	tg := target("a")
	tg.Pages = []string{"frutas", "ofertas"}

	f := newFakeFetcher()
	f.on("https://a.example/frutas", response{html: listing(item("1", "5.90"), item("2", "3.20"))})
	f.on("https://a.example/ofertas", response{html: listing(item("2", "3.20"), item("3", "1.10"))})

	report := newPipeline(t, testConfig(), f, nil).Run(context.Background(), []*types.Target{tg})

	o := outcome(report, "a")
	assert.Equal(t, 2, o.Pages)
	assert.Equal(t, 2, o.Fetched)
	assert.Equal(t, 4, o.Validated)
	assert.Equal(t, 1, o.Duplicates)
	assert.Equal(t, 3, o.Written)
}

func TestRun_FailThreshold(t *testing.T) {
	config := testConfig()
	config.FailThreshold = 0.5

	f := newFakeFetcher()
	f.on("https://a.example", response{html: listing(item("1", "1.00"))})
	// b and c have no responses and fail with Navigation

	report := newPipeline(t, config, f, nil).Run(context.Background(), []*types.Target{target("a"), target("b"), target("c")})
	assert.Equal(t, types.RunFailed, report.Status)

	config.FailThreshold = 0
	report = newPipeline(t, config, f, nil).Run(context.Background(), []*types.Target{target("a"), target("b"), target("c")})
	assert.Equal(t, types.RunPartial, report.Status)
}

func TestRun_RejectPolicyConflict(t *testing.T) {
	config := testConfig()
	s := newStore(t, config)

	f := newFakeFetcher()
	f.on("https://a.example",
		response{html: listing(item("1", "5.90"))},
		response{html: listing(item("1", "6.10"))},
	)
	p := newPipeline(t, config, f, s)

	p.Run(context.Background(), []*types.Target{target("a")})
	report := p.Run(context.Background(), []*types.Target{target("a")})

	o := outcome(report, "a")
	assert.Equal(t, types.TargetSucceeded, o.Status)
	assert.Equal(t, types.KindKeyConflict, o.ErrorKind)
	require.Len(t, o.Conflicts, 1)
	assert.Equal(t, 5.90, o.Conflicts[0].Stored)
	assert.Equal(t, 6.10, o.Conflicts[0].Incoming)
}
