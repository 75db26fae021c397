package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendsTabSeparatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := Open(path)
	require.NoError(t, err)

	fixed := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.Log(KindBegin, "run-1"))
	require.NoError(t, l.Log(KindSubmit, "OG1_a"))
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"2024-03-04T10:00:00Z\tBEGIN\trun-1\n2024-03-04T10:00:00Z\tSUBMIT\tOG1_a\n",
		string(b))
}

func TestLog_NeverTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Log(KindSubmit, "OG1_a"))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Log(KindRetrieve, "OG1_a"))
	require.NoError(t, l.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindSubmit, entries[0].Kind)
	assert.Equal(t, KindRetrieve, entries[1].Kind)
	assert.Equal(t, "OG1_a", entries[1].Title)
}

func TestLog_ClosedRejectsWrites(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Log(KindSkip, "x"), ErrClosed)
}

func TestOpen_MissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", DefaultFileName))
	require.Error(t, err)
}

func TestFormatEntry_ReplacesSeparators(t *testing.T) {
	line := formatEntry(Entry{Time: time.Unix(0, 0), Kind: KindSkip, Title: "a\tb\nc"})
	assert.Equal(t, 3, len(strings.Split(strings.TrimSuffix(line, "\n"), "\t")))
	assert.True(t, strings.HasSuffix(line, "a b c\n"))
}

func TestReadEntries_Malformed(t *testing.T) {
	_, err := ReadEntries(strings.NewReader("2024-03-04T10:00:00Z\tSUBMIT\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = ReadEntries(strings.NewReader("yesterday\tSUBMIT\tx\n"))
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	m := &Memory{}
	require.NoError(t, m.Log(KindSubmit, "a"))
	require.NoError(t, m.Log(KindSubmit, "b"))
	require.NoError(t, m.Log(KindRetrieve, "a"))

	assert.Equal(t, 2, m.Count(KindSubmit))
	assert.Equal(t, 1, m.Count(KindRetrieve))
	assert.Len(t, m.Entries(), 3)
}
