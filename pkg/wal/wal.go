package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/types"
)

const (
	fileSuffix = ".log"
	headerSize = 8 // crc32 + payload length
)

var (
	ErrClosed = errors.New("WAL closed")
)

// Entry represents a single logged record.
type Entry struct {
	SeqNum types.SeqN
	Kind   types.Kind
	Key    []byte
	Value  []byte
}

// WAL is a directory of numbered log files. Each memtable owns one file;
// the file is removed once that memtable reaches a segment.
type WAL struct {
	mu      sync.Mutex
	dir     string
	sync    bool
	logger  *slog.Logger
	file    *os.File
	writer  *bufio.Writer
	current uint64
	// size of the current file up to the last complete record
	offset int64
	// files left behind by a previous process, in ascending order
	stale []uint64
	buf   []byte
}

// Open scans dir for existing log files and starts a fresh one numbered after
// them. Existing files are kept for Replay.
func Open(dir string, sync bool, logger *slog.Logger) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	stale, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:    dir,
		sync:   sync,
		logger: logger,
		stale:  stale,
	}

	next := uint64(1)
	if len(stale) > 0 {
		next = stale[len(stale)-1] + 1
	}
	if err := w.openFile(next); err != nil {
		return nil, err
	}

	return w, nil
}

func listFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	var nums []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	slices.Sort(nums)

	return nums, nil
}

func (w *WAL) path(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d%s", num, fileSuffix))
}

func (w *WAL) openFile(num uint64) error {
	file, err := os.OpenFile(w.path(num), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	w.file = file
	w.offset = info.Size()
	w.writer = bufio.NewWriter(file)
	w.current = num
	return nil
}

// Stale returns the numbers of log files found at Open.
func (w *WAL) Stale() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.stale)
}

// Current returns the number of the file Append writes to.
func (w *WAL) Current() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Append durably records entry in the current file.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	n, err := w.writeEntry(entry)
	if err == nil {
		err = w.writer.Flush()
	}
	if err == nil && w.sync {
		err = w.file.Sync()
	}
	if err != nil {
		if derr := w.discardTail(); derr != nil {
			w.logger.Error("failed to discard partial WAL record", "file", w.current, "error", derr)
			return fmt.Errorf("failed to write WAL entry: %w", errors.Join(err, derr))
		}
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	w.offset += int64(n)

	return nil
}

// discardTail drops whatever part of a failed record reached the file and
// resets the buffered writer, whose errors are otherwise sticky.
func (w *WAL) discardTail() error {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(w.offset); err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	return nil
}

// Rotate closes the current file and starts the next one, returning its number.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return 0, ErrClosed
	}
	if err := w.closeFile(); err != nil {
		return 0, err
	}
	if err := w.openFile(w.current + 1); err != nil {
		return 0, err
	}

	return w.current, nil
}

// Remove deletes a log file whose records are persisted elsewhere.
func (w *WAL) Remove(num uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if num == w.current {
		return fmt.Errorf("cannot remove active WAL file %d", num)
	}
	w.stale = slices.DeleteFunc(w.stale, func(n uint64) bool { return n == num })

	if err := os.Remove(w.path(num)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}

// Replay calls callback for every entry with SeqNum >= start found in the
// given files, in file order. A truncated final record is treated as a write
// interrupted by a crash and ends replay of that file.
func (w *WAL) Replay(files []uint64, start types.SeqN, callback func(Entry) error) error {
	for _, num := range files {
		if err := w.replayFile(num, start, callback); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replayFile(num uint64, start types.SeqN, callback func(Entry) error) error {
	file, err := os.Open(w.path(num))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || isTornTail(reader, err) {
				w.logger.Warn("truncated WAL tail ignored", "file", num, "error", err)
				return nil
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// a checksum mismatch on the very last record is a torn write
func isTornTail(r *bufio.Reader, err error) bool {
	if !errors.Is(err, dberrors.ErrCorruption) {
		return false
	}
	_, perr := r.Peek(1)
	return errors.Is(perr, io.EOF)
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil
	}
	return w.closeFile()
}

func (w *WAL) closeFile() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL on close: %w", err)
	}
	w.writer = nil

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	w.file = nil

	return nil
}

// writeEntry frames one entry as crc32 | payload length | payload, where the
// payload is seq | kind | key length | key | value length | value.
func (w *WAL) writeEntry(entry Entry) (int, error) {
	if len(entry.Key) > math.MaxUint32 {
		return 0, fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return 0, fmt.Errorf("value too large: %d", len(entry.Value))
	}

	payloadSize := 8 + 1 + 4 + len(entry.Key) + 4 + len(entry.Value)
	buf := slices.Grow(w.buf[:0], headerSize+payloadSize)[:headerSize]

	buf = binary.LittleEndian.AppendUint64(buf, entry.SeqNum)
	buf = append(buf, byte(entry.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entry.Key)))
	buf = append(buf, entry.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entry.Value)))
	buf = append(buf, entry.Value...)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[headerSize:]))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadSize))
	w.buf = buf

	return w.writer.Write(buf)
}

func readEntry(reader *bufio.Reader) (Entry, error) {
	var entry Entry

	var header [headerSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return entry, err
	}
	sum := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return entry, io.ErrUnexpectedEOF
		}
		return entry, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return entry, fmt.Errorf("%w: WAL checksum mismatch", dberrors.ErrCorruption)
	}

	return decodePayload(payload)
}

func decodePayload(p []byte) (Entry, error) {
	var entry Entry
	corrupt := fmt.Errorf("%w: short WAL payload", dberrors.ErrCorruption)

	if len(p) < 8+1+4 {
		return entry, corrupt
	}
	entry.SeqNum = binary.LittleEndian.Uint64(p[0:8])
	entry.Kind = types.Kind(p[8])
	keyLen := int(binary.LittleEndian.Uint32(p[9:13]))
	p = p[13:]

	if len(p) < keyLen+4 {
		return entry, corrupt
	}
	entry.Key = p[:keyLen:keyLen]
	p = p[keyLen:]

	valueLen := int(binary.LittleEndian.Uint32(p[0:4]))
	p = p[4:]
	if len(p) != valueLen {
		return entry, corrupt
	}
	entry.Value = p[:valueLen:valueLen]

	if !entry.Kind.Valid() {
		return entry, fmt.Errorf("%w: unknown record kind %d", dberrors.ErrCorruption, entry.Kind)
	}

	return entry, nil
}
