// Package audit persists audit entries as JSON Lines with daily and
// size-based rotation, retention cleanup, and a ring buffer of recent
// entries for the query surface.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// entryFilePattern matches audit filenames: audit-YYYY-MM-DD.log or
// audit-YYYY-MM-DD-N.log for size-rotated parts.
var entryFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

type entryFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseEntryFilename(name string) (entryFileInfo, bool) {
	matches := entryFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return entryFileInfo{}, false
	}
	info := entryFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return entryFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortEntryFiles orders files chronologically: by date, then rotation
// suffix.
func sortEntryFiles(files []entryFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileStoreConfig tunes the file-based audit store.
type FileStoreConfig struct {
	// Dir is where audit files live.
	Dir string
	// RetentionDays is how long files are kept (default 30).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent entries held in memory (default 1000).
	CacheSize int
}

// FileStore implements audit.Store on JSON Lines files.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	cache  *entryCache
	cancel context.CancelFunc
	logger *slog.Logger
}

var _ audit.Store = (*FileStore)(nil)

// NewFileStore opens (creating as needed) the audit directory and
// today's file, runs retention cleanup, warms the recent-entries cache
// from the newest file, and starts the hourly cleanup loop.
func NewFileStore(cfg FileStoreConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newEntryCache(cfg.CacheSize),
		cancel:        cancel,
		logger:        logger.With("component", "audit_file_store"),
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentLocked(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runCleanup()
	s.warmCache()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes entries as JSON Lines, rotating by date and size as
// needed. Submission order within one call is preserved.
func (s *FileStore) Append(_ context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, e := range entries {
		dateStr := e.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		n, err := s.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
		s.currentSize += int64(n)
		s.cache.Add(e)
	}
	return nil
}

// Recent returns the last n entries from the in-memory cache, newest
// first.
func (s *FileStore) Recent(n int) []audit.Entry {
	return s.cache.Recent(n)
}

// Search scans files newest-first and returns matching entries, newest
// first. Files entirely outside the query's time range are skipped by
// their date stamp before being opened.
func (s *FileStore) Search(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	var out []audit.Entry
	for i := len(files) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !fileInRange(files[i].date, q.From, q.To) {
			continue
		}

		entries, err := s.readFile(files[i].name)
		if err != nil {
			s.logger.Warn("skipping unreadable audit file", "file", files[i].name, "error", err)
			continue
		}
		// Within one file entries are chronological; reverse for
		// newest-first output.
		for j := len(entries) - 1; j >= 0; j-- {
			if !entries[j].Matches(q) {
				continue
			}
			out = append(out, entries[j])
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Stats aggregates activity over [from, to].
func (s *FileStore) Stats(ctx context.Context, from, to time.Time) (audit.Stats, error) {
	stats := audit.Stats{
		ByOutcome: make(map[decision.Outcome]int),
		ByPolicy:  make(map[string]int),
		ByAgent:   make(map[string]int),
		RiskBands: make(map[string]int),
		From:      from,
		To:        to,
	}

	files, err := s.listFiles()
	if err != nil {
		return stats, err
	}

	var totalMs int64
	for _, f := range files {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !fileInRange(f.date, from, to) {
			continue
		}
		entries, err := s.readFile(f.name)
		if err != nil {
			s.logger.Warn("skipping unreadable audit file", "file", f.name, "error", err)
			continue
		}
		for _, e := range entries {
			if !from.IsZero() && e.Timestamp.Before(from) {
				continue
			}
			if !to.IsZero() && e.Timestamp.After(to) {
				continue
			}
			stats.Total++
			stats.ByOutcome[e.Decision.Outcome]++
			if e.Policy.ID != "" {
				stats.ByPolicy[e.Policy.ID]++
			}
			if e.Context.AgentID != "" {
				stats.ByAgent[e.Context.AgentID]++
			}
			stats.Hourly[e.Timestamp.UTC().Hour()]++
			if band, ok := e.Context.Attribute("resource", "riskBand"); ok {
				if bs, ok := band.(string); ok {
					stats.RiskBands[bs]++
				}
			}
			if e.Outcome == audit.OutcomeError {
				stats.ErrorCount++
			}
			totalMs += e.DurationMs
		}
	}
	if stats.Total > 0 {
		stats.AvgMs = float64(totalMs) / float64(stats.Total)
	}
	return stats, nil
}

// Flush syncs the current file to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// fileInRange reports whether a file's date stamp can hold entries
// within [from, to].
func fileInRange(dateStr string, from, to time.Time) bool {
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return true
	}
	dayEnd := day.AddDate(0, 0, 1)
	if !from.IsZero() && dayEnd.Before(from) {
		return false
	}
	if !to.IsZero() && day.After(to) {
		return false
	}
	return true
}

func (s *FileStore) listFiles() ([]entryFileInfo, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}
	var files []entryFileInfo
	for _, e := range dirEntries {
		if info, ok := parseEntryFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	sortEntryFiles(files)
	return files, nil
}

// readFile decodes one JSON Lines file. Malformed lines are skipped:
// a torn tail write must not hide the rest of the day.
func (s *FileStore) readFile(name string) ([]audit.Entry, error) {
	// Make buffered writes to the file being read visible.
	s.mu.Lock()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
	}
	s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping malformed audit line", "file", name, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (s *FileStore) openCurrentLocked(dateStr string) error {
	suffix := s.highestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *FileStore) highestSuffix(dateStr string) int {
	files, err := s.listFiles()
	if err != nil {
		return 0
	}
	highest := 0
	for _, f := range files {
		if f.date == dateStr && f.suffix > highest {
			highest = f.suffix
		}
	}
	return highest
}

func (s *FileStore) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	name := buildFilename(dateStr, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

func (s *FileStore) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentDate = dateStr
	s.currentSuffix = 0
	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

func (s *FileStore) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// runCleanup deletes files older than the retention period.
func (s *FileStore) runCleanup() {
	files, err := s.listFiles()
	if err != nil {
		s.logger.Error("audit cleanup failed", "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, f := range files {
		day, err := time.Parse("2006-01-02", f.date)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
				s.logger.Error("failed to delete expired audit file", "file", f.name, "error", err)
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		s.logger.Info("audit retention cleanup", "deleted", deleted)
	}
}

func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// warmCache fills the recent-entries cache from the newest non-empty
// file.
func (s *FileStore) warmCache() {
	files, err := s.listFiles()
	if err != nil || len(files) == 0 {
		return
	}

	for i := len(files) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(s.dir, files[i].name))
		if err != nil || info.Size() == 0 {
			continue
		}
		entries, err := s.readFile(files[i].name)
		if err != nil {
			s.logger.Warn("audit cache warm failed", "file", files[i].name, "error", err)
			return
		}
		start := 0
		if len(entries) > s.cache.size {
			start = len(entries) - s.cache.size
		}
		for _, e := range entries[start:] {
			s.cache.Add(e)
		}
		return
	}
}

// entryCache is a ring buffer of recent entries.
type entryCache struct {
	mu      sync.RWMutex
	entries []audit.Entry
	size    int
	head    int
	count   int
}

func newEntryCache(size int) *entryCache {
	if size <= 0 {
		size = 1000
	}
	return &entryCache{entries: make([]audit.Entry, size), size: size}
}

// Add overwrites the oldest entry when full.
func (c *entryCache) Add(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns up to n entries, newest first.
func (c *entryCache) Recent(n int) []audit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	out := make([]audit.Entry, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		out[i] = c.entries[idx]
	}
	return out
}
