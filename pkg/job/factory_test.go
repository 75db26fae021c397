package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ipsbatch/pkg/seqio"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryConfig{
		OutputDir:    t.TempDir(),
		Applications: []string{"PfamA", "CDD"},
		GoTerms:      true,
	})
	require.NoError(t, err)
	return f
}

func TestFactory_Build(t *testing.T) {
	f := newTestFactory(t)

	j, err := f.Build(seqio.Record{ID: "jgi|Cap6580_1|155246|CE155245_972", Sequence: "MKVLAA*"}, "OG0005770")
	require.NoError(t, err)

	assert.Equal(t, "OG0005770_jgi_Cap6580_1_155246_CE155245_972", j.Title)
	assert.Equal(t, "OG0005770", j.Group)
	assert.Equal(t, "jgi|Cap6580_1|155246|CE155245_972", j.RecordID)
	assert.Equal(t, "MKVLAA", j.Payload.Sequence)
	assert.Equal(t, []string{"PfamA", "CDD"}, j.Payload.Applications)
	assert.Equal(t, "json", j.Payload.Format)
	assert.True(t, j.Payload.GoTerms)
	assert.Equal(t, filepath.Join(f.OutputDir(), j.Title+".json"), j.OutputPath)
	assert.Equal(t, StatusCreated, j.Status)
	assert.Empty(t, j.Handle)
}

func TestFactory_BuildMalformed(t *testing.T) {
	f := newTestFactory(t)

	tests := []struct {
		name  string
		rec   seqio.Record
		group string
	}{
		{"empty id", seqio.Record{ID: "  ", Sequence: "MK"}, "OG1"},
		{"empty group", seqio.Record{ID: "a", Sequence: "MK"}, ""},
		{"only sentinels", seqio.Record{ID: "a", Sequence: "**"}, "OG1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Build(tt.rec, tt.group)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestFactory_PayloadIsolation(t *testing.T) {
	apps := []string{"PfamA"}
	f, err := NewFactory(FactoryConfig{OutputDir: t.TempDir(), Applications: apps})
	require.NoError(t, err)

	j1, err := f.Build(seqio.Record{ID: "a", Sequence: "MK"}, "OG1")
	require.NoError(t, err)
	apps[0] = "mutated"
	j1.Payload.Applications[0] = "also-mutated"

	j2, err := f.Build(seqio.Record{ID: "b", Sequence: "MK"}, "OG1")
	require.NoError(t, err)
	assert.Equal(t, []string{"PfamA"}, j2.Payload.Applications)
}

func TestFactory_Exists(t *testing.T) {
	f := newTestFactory(t)
	j, err := f.Build(seqio.Record{ID: "a", Sequence: "MK"}, "OG1")
	require.NoError(t, err)

	ok, err := f.Exists(j)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(j.OutputPath, []byte("{}"), 0644))
	ok, err = f.Exists(j)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(FactoryConfig{})
	require.Error(t, err)

	f, err := NewFactory(FactoryConfig{OutputDir: "out", Extension: "tsv"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "t.tsv"), f.OutputPath("t"))
}

func TestTitlesAreDistinct(t *testing.T) {
	a := Title("OG1", "x|1")
	b := Title("OG1", "x|2")
	c := Title("OG2", "x|1")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c_d", Sanitize("a|b/c d"))
	assert.Equal(t, "plain.id-1", Sanitize("plain.id-1"))
}

func TestStripSentinels(t *testing.T) {
	assert.Equal(t, "MKV", StripSentinels("MKV*"))
	assert.Equal(t, "MKV", StripSentinels(" MKV*.\n"))
	assert.Equal(t, "M*KV", StripSentinels("M*KV"))
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusPolling.Terminal())
	assert.True(t, StatusRetrieved.Terminal())
	assert.True(t, StatusFailedPoll.Terminal())
	assert.True(t, StatusFailedSubmit.Failed())
	assert.False(t, StatusRetrieved.Failed())
}

func TestRetryCount(t *testing.T) {
	j := &Job{SubmitFailures: 2, Polls: 3}
	assert.Equal(t, 5, j.RetryCount())
	assert.Empty(t, j.Reason())
}
