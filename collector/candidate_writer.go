package collector

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/model"
)

// CandidateWriter appends candidate records to gzip logs named
// <Prefix>.<unix time>.gz under Dir, starting a new file every RotateInterval.
type CandidateWriter struct {
	Dir            string
	Prefix         string
	RecordChan     <-chan model.Record
	BatchSize      int
	FlushInterval  time.Duration
	RotateInterval time.Duration
	Done           chan struct{}

	now     func() time.Time
	logger  *zap.Logger
	file    *os.File
	gz      *gzip.Writer
	started time.Time
}

func NewCandidateWriter(dir, prefix string, rotate time.Duration, recordChan <-chan model.Record, logger *zap.Logger) (*CandidateWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create candidate log dir: %w", err)
	}
	return &CandidateWriter{
		Dir:            dir,
		Prefix:         prefix,
		RecordChan:     recordChan,
		BatchSize:      1000,
		FlushInterval:  5 * time.Second,
		RotateInterval: rotate,
		Done:           make(chan struct{}),
		now:            time.Now,
		logger:         logging.OrNop(logger),
	}, nil
}

// Worker drains RecordChan, writing in batches, until the channel is closed.
func (w *CandidateWriter) Worker() {
	defer close(w.Done)
	defer w.closeFile()

	batch := make([]model.Record, 0, w.BatchSize)
	ticker := time.NewTicker(w.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// 1 quick retry (short jitter) then drop to avoid long blocking
		if err := w.writeBatch(batch); err != nil {
			j := time.Duration(100+rand.Intn(200)) * time.Millisecond
			time.Sleep(j)

			if err2 := w.writeBatch(batch); err2 != nil {
				w.logger.Error("candidate log write failed, dropping batch",
					zap.Int("records", len(batch)), zap.Error(err2))
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-w.RecordChan:
			if !ok {
				// Channel closed: final flush then exit
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= w.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch appends records to the current file. A failed gzip stream stays
// failed, so on error the file is dropped and the next call opens a new one.
func (w *CandidateWriter) writeBatch(records []model.Record) error {
	if err := w.rotate(); err != nil {
		return err
	}
	if err := w.appendRecords(records); err != nil {
		w.closeFile()
		return err
	}
	return nil
}

func (w *CandidateWriter) appendRecords(records []model.Record) error {
	bw := bufio.NewWriter(w.gz)
	for _, r := range records {
		if _, err := bw.WriteString(model.FormatCandidateLine(r) + "\n"); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	// a gzip flush keeps the file readable while it is still being written
	return w.gz.Flush()
}

// rotate opens the first file, or replaces the current one once it is older
// than RotateInterval. Existing files are never appended to; the timestamp
// in the name is bumped until it is free.
func (w *CandidateWriter) rotate() error {
	now := w.now()
	if w.gz != nil && (w.RotateInterval <= 0 || now.Sub(w.started) < w.RotateInterval) {
		return nil
	}
	w.closeFile()

	var (
		name string
		f    *os.File
		err  error
	)
	for ts := now.Unix(); ; ts++ {
		name = filepath.Join(w.Dir, w.Prefix+"."+strconv.FormatInt(ts, 10)+".gz")
		f, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("open candidate log: %w", err)
	}
	w.file = f
	w.gz = gzip.NewWriter(f)
	w.started = now
	w.logger.Info("candidate log opened", zap.String("file", name))
	return nil
}

func (w *CandidateWriter) closeFile() {
	if w.gz == nil {
		return
	}
	if err := w.gz.Close(); err != nil {
		w.logger.Warn("closing candidate log", zap.Error(err))
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("closing candidate log", zap.Error(err))
	}
	w.gz, w.file = nil, nil
}
