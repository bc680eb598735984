// Package history persists the telemetry time series as an append-only CSV
// log.
//
// Every record is one line with no header:
//
//	timestamp,temp_0,...,temp_n-1,command_0,...,command_n-1
//
// Temperatures are integers and commands are floats written with the fewest
// digits that read back exactly. With two devices this is the five column
// layout timestamp,gpu1_temp,gpu2_temp,gpu1_cmd,gpu2_cmd.
package history

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
)

const (
	// TimeLayout sorts lexically in time order.
	TimeLayout = "2006-01-02 15:04:05"

	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Record is immutable once appended.
type Record struct {
	Timestamp    string
	Temperatures []int
	Commands     []float64
}

// NewRecord stamps temperatures and commands with now.
func NewRecord(now time.Time, temperatures, commands []float64) Record {
	temps := make([]int, len(temperatures))
	for i, t := range temperatures {
		temps[i] = int(math.Round(t))
	}

	return Record{
		Timestamp:    now.Format(TimeLayout),
		Temperatures: temps,
		Commands:     append([]float64(nil), commands...),
	}
}

// Log is an append-only record file. Appends are serialized; readers need
// no lock and ignore a torn trailing line.
type Log struct {
	path string
	mu   sync.Mutex
}

func Open(path string) (*Log, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidPath)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, errFactory.Wrap(ErrInvalidPath, err)
		}
	}

	return &Log{path: path}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Append writes rec as one line with a single write on an O_APPEND file.
func (l *Log) Append(rec Record) error {
	errFactory := errors.New()

	line, err := encode(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if err := f.Close(); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

func encode(rec Record) ([]byte, error) {
	errFactory := errors.New()

	if rec.Timestamp == "" || len(rec.Temperatures) == 0 || len(rec.Temperatures) != len(rec.Commands) {
		return nil, errFactory.WithData(ErrInvalidRecord, rec)
	}

	fields := make([]string, 0, 1+2*len(rec.Temperatures))
	fields = append(fields, rec.Timestamp)
	for _, t := range rec.Temperatures {
		fields = append(fields, strconv.Itoa(t))
	}
	for _, c := range rec.Commands {
		fields = append(fields, strconv.FormatFloat(c, 'f', -1, 64))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, errFactory.Wrap(ErrInvalidRecord, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidRecord, err)
	}

	return buf.Bytes(), nil
}

// ReadAll returns every record in file order. A missing file yields no
// records and no error.
func (l *Log) ReadAll() ([]Record, error) {
	return l.Tail(0)
}

// Tail returns the last n records in file order, or every record when n <= 0.
// Only n records are held in memory while scanning.
func (l *Log) Tail(n int) ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.New().Wrap(ErrReadFailed, err)
	}
	defer f.Close()

	return readTail(f, n)
}

func readTail(r io.Reader, n int) ([]Record, error) {
	var ring []Record
	if n > 0 {
		ring = make([]Record, 0, n)
	}

	next := 0
	skipped := 0
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A final chunk without a newline is an append in progress.
			if len(bytes.TrimSpace(line)) > 0 {
				skipped++
			}
			break
		}
		if err != nil {
			return nil, errors.New().Wrap(ErrReadFailed, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := decode(line)
		if err != nil {
			skipped++
			continue
		}

		if n <= 0 || len(ring) < n {
			ring = append(ring, rec)
			continue
		}
		ring[next] = rec
		next = (next + 1) % n
	}

	if skipped > 0 {
		logger.Debug().Int("skipped", skipped).Msg("Ignored malformed telemetry log lines")
	}

	if next == 0 {
		return ring, nil
	}

	out := make([]Record, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)

	return out, nil
}

func decode(line []byte) (Record, error) {
	errFactory := errors.New()

	r := csv.NewReader(bytes.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return Record{}, errFactory.Wrap(ErrInvalidRecord, err)
	}

	if len(fields) < 3 || (len(fields)-1)%2 != 0 {
		return Record{}, errFactory.WithData(ErrInvalidRecord, len(fields))
	}

	devices := (len(fields) - 1) / 2
	rec := Record{
		Timestamp:    fields[0],
		Temperatures: make([]int, devices),
		Commands:     make([]float64, devices),
	}
	for i := 0; i < devices; i++ {
		t, err := strconv.Atoi(fields[1+i])
		if err != nil {
			return Record{}, errFactory.Wrap(ErrInvalidRecord, err)
		}
		c, err := strconv.ParseFloat(fields[1+devices+i], 64)
		if err != nil {
			return Record{}, errFactory.Wrap(ErrInvalidRecord, err)
		}
		rec.Temperatures[i] = t
		rec.Commands[i] = c
	}

	return rec, nil
}
