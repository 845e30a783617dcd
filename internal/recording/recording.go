// Package recording пишет принятые показания датчиков в CSV и читает их
// обратно для воспроизведения.
package recording

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/relvacode/iso8601"

	"fall-detection-service/internal/models"
)

// Header колонки файла записи
var Header = []string{"iso8601", "ts_ms", "type", "x", "y", "z"}

// ErrBadRecord строка записи не разбирается
var ErrBadRecord = errors.New("bad recording row")

// Writer дописывает события в CSV
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// Open открывает файл на дозапись, создавая каталог. Заголовок пишется
// только в пустой файл.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}

	w, err := NewWriter(f, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter создает запись поверх произвольного потока
func NewWriter(out io.Writer, writeHeader bool) (*Writer, error) {
	w := &Writer{writer: csv.NewWriter(out)}
	if writeHeader {
		if err := w.writer.Write(Header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		w.writer.Flush()
		if err := w.writer.Error(); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}
	return w, nil
}

// WriteEvent добавляет одно событие
func (w *Writer) WriteEvent(e models.SensorEvent) error {
	row := []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		string(e.Kind),
		strconv.FormatFloat(e.Values[0], 'g', -1, 64),
		strconv.FormatFloat(e.Values[1], 'g', -1, 64),
		strconv.FormatFloat(e.Values[2], 'g', -1, 64),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close сбрасывает буфер и закрывает файл
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	if w.file != nil {
		return errors.Join(w.writer.Error(), w.file.Close())
	}
	return w.writer.Error()
}

// Sink получатель событий (analytics.Analyzer)
type Sink interface {
	Submit(e models.SensorEvent) bool
}

// Tap записывает события и передает их дальше
type Tap struct {
	next   Sink
	writer *Writer
	log    *slog.Logger
}

// NewTap оборачивает получателя записью
func NewTap(next Sink, writer *Writer, log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	return &Tap{next: next, writer: writer, log: log}
}

// Submit пишет событие в файл. Ошибка записи не мешает обработке.
func (t *Tap) Submit(e models.SensorEvent) bool {
	if err := t.writer.WriteEvent(e); err != nil {
		t.log.Error("failed to record event", "error", err)
	}
	return t.next.Submit(e)
}

// ReadEvents читает все события записи по порядку
func ReadEvents(in io.Reader) ([]models.SensorEvent, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = len(Header)

	var events []models.SensorEvent
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && row[0] == Header[0] {
			continue
		}

		e, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
}

// ReadFile читает запись из файла
func ReadFile(path string) ([]models.SensorEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()
	return ReadEvents(f)
}

func parseRow(row []string) (models.SensorEvent, error) {
	ts, err := iso8601.ParseString(row[0])
	if err != nil {
		return models.SensorEvent{}, fmt.Errorf("%w: timestamp %q", ErrBadRecord, row[0])
	}

	kind := models.EventKind(row[2])
	if kind != models.KindAccel && kind != models.KindGyro {
		return models.SensorEvent{}, fmt.Errorf("%w: type %q", ErrBadRecord, row[2])
	}

	e := models.SensorEvent{Kind: kind, Timestamp: ts}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(row[3+i], 64)
		if err != nil {
			return models.SensorEvent{}, fmt.Errorf("%w: value %q", ErrBadRecord, row[3+i])
		}
		e.Values[i] = v
	}
	return e, nil
}
