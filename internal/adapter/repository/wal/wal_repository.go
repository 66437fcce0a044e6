package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".jsonl"
	filePerm      = 0644
	maxLineSize   = 4 << 20
)

// ErrSpillFull is returned when a write would exceed the configured disk budget.
var ErrSpillFull = errors.New("event spill is full")

// SpillRepository is a file-based write-ahead log of normalized events. Events are stored one
// JSON document per line in size-bounded segment files, oldest segment first.
type SpillRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	totalSize      int64
}

// NewSpillRepository opens (or creates) the spill directory and resumes its newest segment.
func NewSpillRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*SpillRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory %s: %w", dir, err)
	}

	w := &SpillRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "event_spill"),
	}

	total, err := w.calculateTotalSize()
	if err != nil {
		return nil, fmt.Errorf("failed to size spill directory: %w", err)
	}
	w.totalSize = total

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends events to the current segment. The batch is written whole or not at all
// with respect to the disk budget.
func (w *SpillRepository) Write(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to marshal event %s for spill: %w", e.ID, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.totalSize+int64(buf.Len()) > w.maxTotalSize {
		return fmt.Errorf("%w (%d + %d > %d bytes)", ErrSpillFull, w.totalSize, buf.Len(), w.maxTotalSize)
	}

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.currentSegment.Write(buf.Bytes())
	w.currentSize += int64(n)
	w.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to spill segment: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync spill segment: %w", err)
	}

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate spill segment", "error", err)
		}
	}
	return nil
}

// Replay reads every segment in order and hands the events to handler in chunks.
// Replay stops at the first handler error; nothing is removed, so a later replay starts over.
func (w *SpillRepository) Replay(ctx context.Context, batchSize int, handler func([]domain.Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}
	if w.totalSize == 0 {
		w.logger.Debug("Spill is empty, nothing to replay")
		return nil
	}
	w.logger.Info("Starting spill replay", "segment_count", len(segments), "bytes", w.totalSize)

	batch := make([]domain.Event, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := handler(batch); err != nil {
			return fmt.Errorf("replay handler failed: %w", err)
		}
		batch = make([]domain.Event, 0, batchSize)
		return nil
	}

	replayed := 0
	for _, segmentPath := range segments {
		if err := w.replaySegment(ctx, segmentPath, func(e domain.Event) error {
			batch = append(batch, e)
			replayed++
			if len(batch) >= batchSize {
				return flush()
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	w.logger.Info("Spill replay completed", "events", replayed)
	return nil
}

func (w *SpillRepository) replaySegment(ctx context.Context, path string, each func(domain.Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var event domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// A torn final line after a crash is expected; skip it.
			w.logger.Warn("Failed to unmarshal spilled event, skipping", "segment", filepath.Base(path), "error", err)
			continue
		}
		if err := each(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return nil
}

// Truncate removes all segments and starts a fresh one.
func (w *SpillRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}
	for _, segmentPath := range segments {
		if err := os.Remove(segmentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove spill segment %s: %w", segmentPath, err)
		}
	}
	w.totalSize = 0

	w.logger.Info("Spill truncated", "segments", len(segments))
	return w.rotate()
}

// Size returns the number of bytes currently spilled.
func (w *SpillRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

func (w *SpillRepository) rotate() error {
	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync spill segment before rotating", "error", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close spill segment before rotating", "error", err)
		}
		w.currentSegment = nil
	}

	// Zero-padded so lexical order is creation order.
	segmentName := fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix)
	path := filepath.Join(w.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create spill segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Debug("Rotated to new spill segment", "path", path)
	return nil
}

func (w *SpillRepository) openLatestSegment() error {
	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return w.rotate()
	}

	latest := segments[len(segments)-1]
	stat, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latest, err)
	}
	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latest, err)
	}

	w.currentSegment = f
	w.currentSize = stat.Size()
	if w.totalSize > 0 {
		w.logger.Info("Resumed spill with pending events", "segments", len(segments), "bytes", w.totalSize)
	}

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}
	return nil
}

func (w *SpillRepository) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spill directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if isSegment(entry) {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (w *SpillRepository) calculateTotalSize() (int64, error) {
	var totalSize int64
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if isSegment(entry) {
			info, err := entry.Info()
			if err != nil {
				return 0, err
			}
			totalSize += info.Size()
		}
	}
	return totalSize, nil
}

func isSegment(entry os.DirEntry) bool {
	return !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) && strings.HasSuffix(entry.Name(), segmentSuffix)
}

// Close ensures the current segment is closed gracefully.
func (w *SpillRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment != nil {
		err := w.currentSegment.Close()
		w.currentSegment = nil
		return err
	}
	return nil
}
