package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"depthcam-go/internal/ingest"
	"depthcam-go/internal/types"
)

// RawLogMagic opens every raw log file. Records follow as
// [8 byte unix nanos][4 byte length][CBOR frame], little endian.
const RawLogMagic = "DCAMRAW1"

var (
	ErrClosed = errors.New("raw log writer is closed")
	// ErrBackpressure is returned by Record when the write queue is full. The
	// frame is not recorded.
	ErrBackpressure = errors.New("raw log queue full")
)

// DefaultQueueSize is the number of frames a RawLogWriter buffers ahead of
// the disk.
const DefaultQueueSize = 64

// RawLogWriter appends frames to a raw log file. Record only queues; a
// single goroutine encodes and writes.
type RawLogWriter struct {
	serial string
	path   string
	dst    io.Closer
	w      *bufio.Writer

	queue chan types.RawFrame
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	records atomic.Int64
	dropped atomic.Int64

	errMu sync.Mutex
	err   error
}

func NewRawLogWriter(outputDir string, serial string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, serial))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return newRawLogWriter(f, filename, serial, DefaultQueueSize)
}

func newRawLogWriter(dst io.WriteCloser, path string, serial string, queueSize int) (*RawLogWriter, error) {
	w := bufio.NewWriterSize(dst, 1024*1024)
	if _, err := w.WriteString(RawLogMagic); err != nil {
		_ = dst.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		return nil, err
	}
	r := &RawLogWriter{
		serial: serial,
		path:   path,
		dst:    dst,
		w:      w,
		queue:  make(chan types.RawFrame, max(queueSize, 1)),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record queues a copy of frame and returns without waiting for the disk.
func (r *RawLogWriter) Record(frame types.RawFrame) error {
	frame.Points = slices.Clone(frame.Points)
	frame.ExposureTimes = slices.Clone(frame.ExposureTimes)
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- frame:
		return nil
	default:
		r.dropped.Add(1)
		return ErrBackpressure
	}
}

// run drains the queue. The buffer is flushed whenever the queue runs empty,
// so a crash loses at most the frames still queued.
func (r *RawLogWriter) run() {
	defer close(r.done)
	for frame := range r.queue {
		err := r.write(frame)
		if err == nil && len(r.queue) == 0 {
			err = r.w.Flush()
		}
		if err != nil {
			r.fail(err)
		}
	}
}

func (r *RawLogWriter) write(frame types.RawFrame) error {
	payload, err := ingest.EncodeFrame(r.serial, frame)
	if err != nil {
		return err
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(frame.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	r.records.Add(1)
	return nil
}

func (r *RawLogWriter) fail(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		slog.Warn("rawlog: write failed", "path", r.path, "error", err)
		r.err = err
	}
}

// Err returns the first write error, if any.
func (r *RawLogWriter) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Records is the number of frames written so far.
func (r *RawLogWriter) Records() int {
	return int(r.records.Load())
}

// Dropped is the number of frames refused because the queue was full.
func (r *RawLogWriter) Dropped() int {
	return int(r.dropped.Load())
}

// Close writes every queued frame, then closes the file.
func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if err := r.w.Flush(); err != nil {
		r.fail(err)
	}
	return errors.Join(r.Err(), r.dst.Close())
}

// RawLogReader walks the records of a raw log file.
type RawLogReader struct {
	r io.Reader
}

func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	header := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != RawLogMagic {
		return nil, fmt.Errorf("unexpected rawlog magic %q", string(header))
	}
	return &RawLogReader{r: r}, nil
}

// Next returns the next record. It returns io.EOF after the last complete
// record; a truncated trailing record also ends the log.
func (l *RawLogReader) Next() (time.Time, []byte, error) {
	var meta [12]byte
	if _, err := io.ReadFull(l.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return time.Time{}, nil, io.EOF
		}
		return time.Time{}, nil, err
	}
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(meta[:8])))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return time.Time{}, nil, io.EOF
		}
		return time.Time{}, nil, fmt.Errorf("read payload: %w", err)
	}
	return ts, payload, nil
}
