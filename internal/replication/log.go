// Package replication implements the quorum replication layer: a durable
// segment-file log of committed commands, a lease-based leader election
// over the peer transport, a committed-entry stream from the leader to its
// followers, and the cluster coordinator that ties them to the local
// executor's apply loop.
package replication

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one replicated command. Seq is gap-free and totally ordered
// across the cluster; Epoch fences appends from stale leaders. Command is
// the canonical JSON wire form, kept opaque here so the log never needs to
// understand command semantics.
type Entry struct {
	Seq     uint64          `json:"seq"`
	Epoch   uint64          `json:"epoch"`
	Command json.RawMessage `json:"command"`
}

const (
	// DefaultMaxLogCount bounds the number of retained entries.
	DefaultMaxLogCount = 1024
	// DefaultMinLogAge keeps entries long enough for a slow replica to
	// restart and catch up.
	DefaultMinLogAge = 24 * time.Hour

	// segmentEntries is how many entries a segment holds before it is
	// sealed and a new one opened.
	segmentEntries = 128

	openSuffix = "-open.log"
)

// sealedName matches "<lo>-<hi>.log" segment files.
var sealedName = regexp.MustCompile(`^(\d{20})-(\d{20})\.log$`)

type segment struct {
	lo, hi uint64 // inclusive; hi == 0 means still open and empty
	path   string
	sealed bool
}

// Log is the on-disk replication log: JSON lines in segment files named
// after the sequence range they cover. Every append is fsynced before it
// is acknowledged. The active segment carries an "-open" suffix and is
// renamed to its final lo-hi name when sealed.
type Log struct {
	mu       sync.Mutex
	dir      string
	segments []segment
	active   *os.File
	activeLo uint64
	count    int // entries in the active segment
	next     uint64

	maxCount int
	minAge   time.Duration
	log      *zap.Logger
}

// OpenLog opens (or creates) the log directory, scans existing segments
// and positions the log at the next sequence to append.
func OpenLog(dir string, maxCount int, minAge time.Duration, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("replication: create log dir: %w", err)
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxLogCount
	}
	if minAge <= 0 {
		minAge = DefaultMinLogAge
	}
	l := &Log{
		dir:      dir,
		next:     1,
		maxCount: maxCount,
		minAge:   minAge,
		log:      logger.Named("log"),
	}
	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// scan discovers existing segments and recovers the append position. An
// open segment left behind by a crash is scanned line by line; a torn
// trailing line (crash mid-write before fsync returned) is truncated away,
// which is safe because an unacknowledged append never counted.
func (l *Log) scan() error {
	names, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("replication: read log dir: %w", err)
	}
	var openPath string
	for _, e := range names {
		name := e.Name()
		if m := sealedName.FindStringSubmatch(name); m != nil {
			lo, _ := strconv.ParseUint(m[1], 10, 64)
			hi, _ := strconv.ParseUint(m[2], 10, 64)
			l.segments = append(l.segments, segment{lo: lo, hi: hi, path: filepath.Join(l.dir, name), sealed: true})
			continue
		}
		if len(name) > len(openSuffix) && name[len(name)-len(openSuffix):] == openSuffix {
			if openPath != "" {
				return fmt.Errorf("replication: two open segments in %s", l.dir)
			}
			openPath = filepath.Join(l.dir, name)
		}
	}
	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].lo < l.segments[j].lo })
	for _, s := range l.segments {
		if s.hi >= l.next {
			l.next = s.hi + 1
		}
	}

	if openPath == "" {
		return nil
	}
	entries, err := readSegment(openPath)
	if err != nil {
		return err
	}
	lo := l.next
	if base := filepath.Base(openPath); len(base) >= 20 {
		if v, err := strconv.ParseUint(base[:20], 10, 64); err == nil {
			lo = v
		}
	}
	if len(entries) == 0 {
		// Empty open segment: reuse its position.
		os.Remove(openPath)
		l.activeLo = 0
		l.next = lo
		return nil
	}
	l.segments = append(l.segments, segment{lo: entries[0].Seq, hi: entries[len(entries)-1].Seq, path: openPath})
	l.next = entries[len(entries)-1].Seq + 1
	f, err := os.OpenFile(openPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("replication: reopen segment: %w", err)
	}
	l.active = f
	l.activeLo = entries[0].Seq
	l.count = len(entries)
	return nil
}

// NextSeq returns the sequence the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// LastSeq returns the sequence of the newest entry, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Append writes an entry and fsyncs it before returning. The entry's Seq
// must be exactly NextSeq; the log never admits gaps or rewrites.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Seq != l.next {
		return fmt.Errorf("replication: append seq %d, want %d", e.Seq, l.next)
	}
	if l.active == nil {
		path := filepath.Join(l.dir, fmt.Sprintf("%020d%s", e.Seq, openSuffix))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o600)
		if err != nil {
			return fmt.Errorf("replication: create segment: %w", err)
		}
		l.active = f
		l.activeLo = e.Seq
		l.count = 0
		l.segments = append(l.segments, segment{lo: e.Seq, hi: e.Seq, path: path})
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("replication: marshal entry %d: %w", e.Seq, err)
	}
	if _, err := l.active.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("replication: write entry %d: %w", e.Seq, err)
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("replication: sync entry %d: %w", e.Seq, err)
	}
	l.segments[len(l.segments)-1].hi = e.Seq
	l.count++
	l.next = e.Seq + 1
	if l.count >= segmentEntries {
		if err := l.sealLocked(); err != nil {
			return err
		}
	}
	return nil
}

// sealLocked closes the active segment and renames it to its final
// lo-hi name. Callers hold l.mu.
func (l *Log) sealLocked() error {
	if l.active == nil {
		return nil
	}
	seg := &l.segments[len(l.segments)-1]
	final := filepath.Join(l.dir, fmt.Sprintf("%020d-%020d.log", seg.lo, seg.hi))
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("replication: close segment: %w", err)
	}
	if err := os.Rename(seg.path, final); err != nil {
		return fmt.Errorf("replication: seal segment: %w", err)
	}
	seg.path = final
	seg.sealed = true
	l.active = nil
	l.count = 0
	return nil
}

// Read returns up to max entries starting at seq from. A from before the
// truncation horizon returns what is still retained; the caller compares
// the first returned Seq to detect that it must bootstrap differently.
func (l *Log) Read(from uint64, max int) ([]Entry, error) {
	l.mu.Lock()
	segs := append([]segment(nil), l.segments...)
	l.mu.Unlock()

	var out []Entry
	for _, s := range segs {
		if s.hi < from {
			continue
		}
		entries, err := readSegment(s.path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Seq < from {
				continue
			}
			out = append(out, e)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

// Truncate drops sealed segments whose entries all lie below keepFrom,
// subject to the retention policy: a segment goes only when the log holds
// more than maxCount entries without counting it AND it is older than the
// minimum age. The age floor wins, so a slow replica always finds at least
// minAge worth of entries to catch up from.
func (l *Log) Truncate(keepFrom uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, s := range l.segments {
		if s.hi >= s.lo {
			total += int(s.hi - s.lo + 1)
		}
	}
	cutoff := time.Now().Add(-l.minAge)
	kept := l.segments[:0]
	for i, s := range l.segments {
		drop := false
		if s.sealed && s.hi < keepFrom && total > l.maxCount {
			if fi, err := os.Stat(s.path); err == nil && fi.ModTime().Before(cutoff) {
				drop = true
			}
		}
		if drop {
			if err := os.Remove(s.path); err != nil {
				return fmt.Errorf("replication: truncate segment: %w", err)
			}
			total -= int(s.hi - s.lo + 1)
			l.log.Debug("dropped log segment",
				zap.Uint64("lo", s.lo), zap.Uint64("hi", s.hi))
			continue
		}
		kept = append(kept, l.segments[i])
	}
	l.segments = kept
	return nil
}

// Close seals and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealLocked()
}

// readSegment parses a segment file. A torn final line is ignored: the
// append that wrote it never acknowledged.
func readSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replication: open segment %s: %w", path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			break
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replication: scan segment %s: %w", path, err)
	}
	return out, nil
}
