package recording

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fall-detection-service/internal/models"
)

type countingSink struct {
	n int
}

func (s *countingSink) Submit(e models.SensorEvent) bool {
	s.n++
	return true
}

var errDiskFull = errors.New("disk full")

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errDiskFull
}

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 125_000_000, time.UTC)

func TestWriterReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, true)
	require.NoError(t, err)

	events := []models.SensorEvent{
		{Kind: models.KindGyro, Values: [3]float64{3.5, 0, -0.25}, Timestamp: t0},
		{Kind: models.KindAccel, Values: [3]float64{0.1, 0.2, 9.81}, Timestamp: t0.Add(10 * time.Millisecond)},
	}
	for _, e := range events {
		require.NoError(t, w.WriteEvent(e))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "iso8601,ts_ms,type,x,y,z", lines[0])
	assert.Equal(t, "2024-03-01T08:00:00.125Z,1709280000125,gyro,3.5,0,-0.25", lines[1])

	got, err := ReadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range events {
		assert.Equal(t, events[i].Kind, got[i].Kind)
		assert.Equal(t, events[i].Values, got[i].Values)
		assert.True(t, events[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestOpen_HeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "samples.csv")

	for i := 0; i < 2; i++ {
		w, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(models.SensorEvent{Kind: models.KindAccel, Values: [3]float64{0, 0, 9.8}, Timestamp: t0}))
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "iso8601"))

	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReadEvents_Errors(t *testing.T) {
	tests := []string{
		"2024-03-01T08:00:00Z,0,magnet,0,0,0\n",
		"yesterday,0,accel,0,0,0\n",
		"2024-03-01T08:00:00Z,0,accel,x,0,0\n",
		"2024-03-01T08:00:00Z,0,accel,0,0\n",
	}
	for _, in := range tests {
		_, err := ReadEvents(strings.NewReader(in))
		assert.Error(t, err, in)
	}

	_, err := ReadEvents(strings.NewReader("2024-03-01T08:00:00Z,0,accel,x,0,0\n"))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestReadEvents_WithoutHeader(t *testing.T) {
	events, err := ReadEvents(strings.NewReader("2024-03-01T08:00:00Z,0,accel,0,0,16\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 16.0, events[0].Values[2])
}

func TestTap_RecordsAndForwards(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, false)
	require.NoError(t, err)

	sink := &countingSink{}
	tap := NewTap(sink, w, nil)
	assert.True(t, tap.Submit(models.SensorEvent{Kind: models.KindAccel, Timestamp: t0}))

	assert.Equal(t, 1, sink.n)
	assert.Contains(t, buf.String(), ",accel,")
}

func TestWriter_CloseReportsFlushError(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "samples.csv"))
	require.NoError(t, err)

	// файл остается открытым, а запись в буфер CSV падает
	w.writer = csv.NewWriter(failingWriter{})
	assert.ErrorIs(t, w.WriteEvent(models.SensorEvent{Kind: models.KindAccel, Timestamp: t0}), errDiskFull)

	assert.ErrorIs(t, w.Close(), errDiskFull)
}
