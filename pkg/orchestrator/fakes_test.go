package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/ipsbatch/pkg/auditlog"
	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/remote"
	"github.com/3leaps/ipsbatch/pkg/resultstore"
	"github.com/3leaps/ipsbatch/pkg/seqio"
)

var errUnavailable = &remote.ServiceError{Op: "submit", Err: remote.ErrUnavailable}

// fakeService is an in-memory remote.Service.
//
// Behaviour is keyed by job title:
//   - submitFailures[title] failed submits before success (-1 = always fail)
//   - pollsToFinish[title] running polls before finished (-1 = never)
//   - pollErrors[title] poll calls that fail with ErrUnavailable first
//   - remoteFailed[title] reports the job as failed on first poll
//   - fetchFail[title] fails the result fetch
type fakeService struct {
	mu sync.Mutex

	submitFailures map[string]int
	pollsToFinish  map[string]int
	pollErrors     map[string]int
	remoteFailed   map[string]bool
	fetchFail      map[string]bool
	defaultPolls   int

	submitCalls map[string]int
	pollCalls   map[string]int
	fetchCalls  map[string]int

	beforeSubmit func(title string)

	pollDelay   time.Duration
	polling     int
	maxPolling  int
	totalSubmit int
}

func newFakeService() *fakeService {
	return &fakeService{
		submitFailures: map[string]int{},
		pollsToFinish:  map[string]int{},
		pollErrors:     map[string]int{},
		remoteFailed:   map[string]bool{},
		fetchFail:      map[string]bool{},
		submitCalls:    map[string]int{},
		pollCalls:      map[string]int{},
		fetchCalls:     map[string]int{},
	}
}

func handleOf(title string) string { return "h-" + title }
func titleOf(handle string) string { return strings.TrimPrefix(handle, "h-") }

func (f *fakeService) Submit(ctx context.Context, title string, _ job.Payload) (string, error) {
	if f.beforeSubmit != nil {
		f.beforeSubmit(title)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitCalls[title]++
	f.totalSubmit++
	if n, ok := f.submitFailures[title]; ok && (n < 0 || f.submitCalls[title] <= n) {
		return "", errUnavailable
	}
	return handleOf(title), nil
}

func (f *fakeService) Poll(ctx context.Context, handle string) (remote.Status, error) {
	f.mu.Lock()
	f.polling++
	if f.polling > f.maxPolling {
		f.maxPolling = f.polling
	}
	delay := f.pollDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polling--

	title := titleOf(handle)
	f.pollCalls[title]++
	calls := f.pollCalls[title]

	if f.remoteFailed[title] {
		return remote.StatusError, nil
	}
	if calls <= f.pollErrors[title] {
		return "", &remote.ServiceError{Op: "poll", Handle: handle, Err: remote.ErrUnavailable}
	}
	need, ok := f.pollsToFinish[title]
	if !ok {
		need = f.defaultPolls
	}
	if need < 0 || calls-f.pollErrors[title] <= need {
		return remote.StatusRunning, nil
	}
	return remote.StatusFinished, nil
}

func (f *fakeService) FetchResult(ctx context.Context, handle, format string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	title := titleOf(handle)
	f.fetchCalls[title]++
	if f.fetchFail[title] {
		return nil, &remote.ServiceError{Op: "result", Handle: handle, Err: remote.ErrRejected}
	}
	return []byte(fmt.Sprintf(`{"title":%q,"format":%q}`, title, format)), nil
}

func (f *fakeService) submits(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls[title]
}

func (f *fakeService) polls(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls[title]
}

func (f *fakeService) allSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalSubmit
}

// failingStore fails every Persist.
type failingStore struct {
	resultstore.Store
}

func (s failingStore) Persist(context.Context, *job.Job, []byte) error {
	return errors.New("disk full")
}

type harness struct {
	dir     string
	svc     *fakeService
	store   *resultstore.FileStore
	audit   *auditlog.Memory
	factory *job.Factory
	orch    *Orchestrator
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RunID = "run-test"
	cfg.PollInterval = time.Millisecond
	cfg.SubmitDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()
	return newHarnessIn(t, dir, newFakeService(), cfg)
}

func newHarnessIn(t *testing.T, dir string, svc *fakeService, cfg Config) *harness {
	t.Helper()

	store, err := resultstore.NewFileStore(dir)
	require.NoError(t, err)
	factory, err := job.NewFactory(job.FactoryConfig{OutputDir: dir, Format: "json"})
	require.NoError(t, err)

	audit := &auditlog.Memory{}
	o, err := New(svc, store, audit, cfg)
	require.NoError(t, err)

	return &harness{dir: dir, svc: svc, store: store, audit: audit, factory: factory, orch: o}
}

func (h *harness) build(t *testing.T, group, id string) *job.Job {
	t.Helper()
	j, err := h.factory.Build(seqio.Record{ID: id, Sequence: "MKVLAAGIV*"}, group)
	require.NoError(t, err)
	return j
}

func records(group string, ids ...string) []seqio.Item {
	items := make([]seqio.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, seqio.Item{Group: group, Record: seqio.Record{ID: id, Sequence: "MKVLAAGIV"}})
	}
	return items
}

func titles(jobs []*job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Title)
	}
	return out
}

func kinds(entries []auditlog.Entry, title string) []auditlog.Kind {
	var out []auditlog.Kind
	for _, e := range entries {
		if e.Title == title {
			out = append(out, e.Kind)
		}
	}
	return out
}

func recordOf(id string) seqio.Record {
	return seqio.Record{ID: id, Sequence: "MKVLAAGIV"}
}
