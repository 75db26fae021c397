package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	j := &JobRecord{
		Title:       "OG1_P12345",
		Group:       "OG1",
		RecordID:    "P12345",
		Handle:      "iprscan5-R20240115-103000-0001-12345678-p1m",
		Disposition: "persisted",
		OutputPath:  "out/OG1_P12345.json",
		Polls:       3,
	}

	err := w.WriteJob(context.Background(), j)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasSuffix(output, "\n"), "output should end with newline")

	var record Record
	err = json.Unmarshal([]byte(strings.TrimSpace(output)), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeJob, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "interpro", record.Service)
	assert.False(t, record.TS.IsZero())

	var jobData JobRecord
	err = json.Unmarshal(record.Data, &jobData)
	require.NoError(t, err)

	assert.Equal(t, *j, jobData)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	errRec := &ErrorRecord{
		Code:    ErrCodeGroupUnreadable,
		Message: "open OG7.fa: no such file or directory",
		Group:   "OG7",
		Path:    "in/OG7.fa",
	}

	err := w.WriteError(context.Background(), errRec)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	err = json.Unmarshal(record.Data, &errData)
	require.NoError(t, err)

	assert.Equal(t, *errRec, errData)
}

func TestJSONLWriter_WritePlan(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	plan := &PlanRecord{Group: "OG1", Path: "in/OG1.fa", Records: 10, Existing: 4, Malformed: 1, Pending: 5}
	require.NoError(t, w.WritePlan(context.Background(), plan))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypePlan, record.Type)

	var got PlanRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *plan, got)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	sum := &SummaryRecord{
		State:         "complete",
		Records:       12,
		Submitted:     9,
		Skipped:       2,
		Malformed:     1,
		Persisted:     8,
		Failed:        1,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		Groups: []GroupCounts{
			{Group: "OG1", Records: 12, Submitted: 9, Skipped: 2, Malformed: 1, Persisted: 8, Failed: 1},
		},
	}

	err := w.WriteSummary(context.Background(), sum)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeSummary, record.Type)

	var sumData SummaryRecord
	err = json.Unmarshal(record.Data, &sumData)
	require.NoError(t, err)

	assert.Equal(t, *sum, sumData)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Title: "OG1_a"}))
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Title: "OG1_b"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	err := w.Close()
	require.NoError(t, err)

	err = w.WriteJob(context.Background(), &JobRecord{Title: "OG1_a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteJob(context.Background(), &JobRecord{
					Title: "OG1_x",
					Polls: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "interpro")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Title: "OG1_a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "run-123", "interpro")

	err := w.WriteJob(context.Background(), &JobRecord{Title: "OG1_a"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "interpro")

	err := w.WriteJob(context.Background(), &JobRecord{
		Title:       "OG1_P12345",
		Group:       "OG1",
		RecordID:    "P12345",
		Disposition: "persisted",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeJob, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123", "interpro")

	err := w.WriteJob(context.Background(), &JobRecord{Title: "OG1_a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	record := Record{
		Type:    TypeJob,
		TS:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		RunID:   "abc123",
		Service: "interpro",
		Data:    json.RawMessage(`{"title":"OG1_a"}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var parsed map[string]any
	err = json.Unmarshal(data, &parsed)
	require.NoError(t, err)

	assert.Equal(t, TypeJob, parsed["type"])
	assert.Equal(t, "abc123", parsed["run_id"])
	assert.Equal(t, "interpro", parsed["service"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestJobRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(JobRecord{Title: "OG1_a", Disposition: "malformed"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "handle")
	assert.NotContains(t, string(data), "reason")
	assert.NotContains(t, string(data), "output_path")
}

func BenchmarkJSONLWriter_WriteJob(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "interpro")
	rec := &JobRecord{
		Title:       "OG1_P12345",
		Group:       "OG1",
		RecordID:    "P12345",
		Handle:      "iprscan5-R20240115-103000-0001-12345678-p1m",
		Disposition: "persisted",
		OutputPath:  "out/OG1_P12345.json",
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteJob(ctx, rec)
	}
}
