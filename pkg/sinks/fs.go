package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/resilience"
)

const (
	defaultFSPrefix        = "events"
	defaultFSRotateSize    = 10 << 20 // 10 MiB
	defaultFSRetentionDays = 30

	// Retention sweeps scan the whole directory, so they are rate-capped
	// rather than run after every single batch.
	fsSweepsPerSecond = 1.0 / 30
)

// FSConfig configures the filesystem JSONL sink.
type FSConfig struct {
	Path          string
	Prefix        string
	RotateSize    int64
	RetentionDays int
	Now           func() time.Time
}

func (c FSConfig) withDefaults() FSConfig {
	if c.Prefix == "" {
		c.Prefix = defaultFSPrefix
	}
	if c.RotateSize <= 0 {
		c.RotateSize = defaultFSRotateSize
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultFSRetentionDays
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// FSSink writes events as JSONL files under a directory, rotating by
// size and sweeping old files on retention.
type FSSink struct {
	cfg FSConfig

	mu           sync.Mutex
	cur          *os.File
	curSize      int64
	writtenIDs   map[string]bool
	sweepLimiter *resilience.Limiter
}

// NewFSSink constructs an FSSink. Call Init before Write.
func NewFSSink(cfg FSConfig) *FSSink {
	return &FSSink{
		cfg:          cfg.withDefaults(),
		writtenIDs:   make(map[string]bool),
		sweepLimiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: fsSweepsPerSecond, Burst: 1}),
	}
}

func (s *FSSink) ID() string { return "fs:" + s.cfg.Path }

func (s *FSSink) Init(_ context.Context) error {
	if s.cfg.Path == "" {
		return fmt.Errorf("sinks: fs sink requires Path")
	}
	return os.MkdirAll(s.cfg.Path, 0o700)
}

func (s *FSSink) Write(_ context.Context, events []*event.AnalyticsEventV1) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if s.writtenIDs[ev.ID] {
			continue
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("sinks: fs marshal event %s: %w", ev.ID, err)
		}
		line = append(line, '\n')

		if s.cur == nil || s.curSize+int64(len(line)) >= s.cfg.RotateSize {
			if err := s.rotate(); err != nil {
				return err
			}
		}

		n, err := s.cur.Write(line)
		if err != nil {
			return fmt.Errorf("sinks: fs write event %s: %w", ev.ID, err)
		}
		s.curSize += int64(n)
		s.writtenIDs[ev.ID] = true
	}

	return s.sweepRetention()
}

func (s *FSSink) rotate() error {
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			return fmt.Errorf("sinks: fs close rotated file: %w", err)
		}
	}
	name := fmt.Sprintf("%s-%s.jsonl", s.cfg.Prefix, s.cfg.Now().UTC().Format("2006-01-02T15-04-05.000Z"))
	path := filepath.Join(s.cfg.Path, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("sinks: fs open %s: %w", path, err)
	}
	s.cur = f
	s.curSize = 0
	return nil
}

func (s *FSSink) sweepRetention() error {
	if !s.sweepLimiter.Allow() {
		return nil
	}
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(s.cfg.Prefix) + "-.*\\.jsonl$")
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("sinks: fs list dir: %w", err)
	}
	cutoff := s.cfg.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	for _, e := range entries {
		if !pattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.cfg.Path, e.Name())
		if s.cur != nil && filepath.Base(s.cur.Name()) == e.Name() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
	return nil
}

func (s *FSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

func (s *FSSink) GetIdempotencyKey(ev *event.AnalyticsEventV1) string { return idKey(ev) }
