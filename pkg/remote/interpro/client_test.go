package interpro

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/remote"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	form     map[string][]string
	statuses []string
	result   []byte
	code     int
}

func (f *fakeDispatcher) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if f.code != 0 {
			w.WriteHeader(f.code)
			_, _ = w.Write([]byte("<error><description>Invalid sequence</description></error>"))
			return
		}
		_ = r.ParseForm()
		f.mu.Lock()
		f.form = r.PostForm
		f.mu.Unlock()
		_, _ = w.Write([]byte("iprscan5-R20240304-000001-0001-1-p1m\n"))
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := "RUNNING"
		if len(f.statuses) > 0 {
			s = f.statuses[0]
			f.statuses = f.statuses[1:]
		}
		_, _ = w.Write([]byte(s))
	})
	mux.HandleFunc("/result/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/result/job-1/json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(f.result)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeDispatcher) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Email: "lab@example.org"})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresEmail(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Email: "not an address"})
	require.Error(t, err)

	_, err = New(Config{Email: "a@b.org", RateLimit: -1})
	require.Error(t, err)
}

func TestClient_Submit(t *testing.T) {
	f := &fakeDispatcher{}
	c := newTestClient(t, f)

	handle, err := c.Submit(context.Background(), "OG1_seq1", job.Payload{
		Sequence:     "MKVL",
		Applications: []string{"PfamA", "CDD"},
		GoTerms:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "iprscan5-R20240304-000001-0001-1-p1m", handle)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"lab@example.org"}, f.form["email"])
	assert.Equal(t, []string{"OG1_seq1"}, f.form["title"])
	assert.Equal(t, []string{"MKVL"}, f.form["sequence"])
	assert.Equal(t, []string{"PfamA", "CDD"}, f.form["appl"])
	assert.Equal(t, []string{"true"}, f.form["goterms"])
	assert.Equal(t, []string{"false"}, f.form["pathways"])
}

func TestClient_SubmitRejected(t *testing.T) {
	f := &fakeDispatcher{code: http.StatusBadRequest}
	c := newTestClient(t, f)

	_, err := c.Submit(context.Background(), "t", job.Payload{Sequence: "MK"})
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))
	assert.False(t, remote.IsUnavailable(err))

	var se *remote.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Error(), "Invalid sequence")
}

func TestClassifyStatus_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxErrorBody-1) + "é" + strings.Repeat("b", 10)
	err := classifyStatus(http.StatusBadRequest, []byte(body))
	require.ErrorIs(t, err, remote.ErrRejected)

	msg := strings.TrimPrefix(err.Error(), remote.ErrRejected.Error()+": ")
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, strings.Repeat("a", maxErrorBody-1), msg)

	short := classifyStatus(http.StatusBadGateway, []byte("  busy  "))
	assert.ErrorIs(t, short, remote.ErrUnavailable)
	assert.True(t, strings.HasSuffix(short.Error(), ": busy"))

	assert.Equal(t, remote.ErrRejected, classifyStatus(http.StatusNotFound, nil))
}

func TestClient_SubmitUnavailable(t *testing.T) {
	f := &fakeDispatcher{code: http.StatusServiceUnavailable}
	c := newTestClient(t, f)

	_, err := c.Submit(context.Background(), "t", job.Payload{Sequence: "MK"})
	require.Error(t, err)
	assert.True(t, remote.IsUnavailable(err))
}

func TestClient_PollAndFetch(t *testing.T) {
	f := &fakeDispatcher{
		statuses: []string{"QUEUED", "RUNNING", "FINISHED"},
		result:   []byte(`{"results":[]}`),
	}
	c := newTestClient(t, f)
	ctx := context.Background()

	for _, want := range []remote.Status{remote.StatusRunning, remote.StatusRunning, remote.StatusFinished} {
		got, err := c.Poll(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	data, err := c.FetchResult(ctx, "job-1", "")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"results":[]}`), data)

	_, err = c.FetchResult(ctx, "job-2", "json")
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want remote.Status
	}{
		{"RUNNING", remote.StatusRunning},
		{"queued\n", remote.StatusRunning},
		{"FINISHED", remote.StatusFinished},
		{"ERROR", remote.StatusError},
		{"FAILURE", remote.StatusError},
		{"NOT_FOUND", remote.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStatus("MYSTERY")
	require.Error(t, err)
}

func TestClient_CancelledContext(t *testing.T) {
	f := &fakeDispatcher{}
	c := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Poll(ctx, "job-1")
	require.Error(t, err)
}
