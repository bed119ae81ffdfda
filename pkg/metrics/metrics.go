package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Metrics collects engine counters. All methods are safe for concurrent use.
type Metrics struct {
	puts    atomic.Uint64
	merges  atomic.Uint64
	deletes atomic.Uint64

	gets      atomic.Uint64
	getsFound atomic.Uint64

	fullMerges      atomic.Uint64
	mergeFailures   atomic.Uint64
	partialMerges   atomic.Uint64
	partialDeclined atomic.Uint64

	flushes          atomic.Uint64
	flushErrors      atomic.Uint64
	bytesFlushed     atomic.Uint64
	compactions      atomic.Uint64
	compactionErrors atomic.Uint64
	bytesCompacted   atomic.Uint64

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) RecordPut()    { m.puts.Add(1) }
func (m *Metrics) RecordMerge()  { m.merges.Add(1) }
func (m *Metrics) RecordDelete() { m.deletes.Add(1) }

// RecordGet records a lookup and whether it found a value.
func (m *Metrics) RecordGet(found bool) {
	m.gets.Add(1)
	if found {
		m.getsFound.Add(1)
	}
}

// RecordFullMerge records one FullMerge call and its outcome.
func (m *Metrics) RecordFullMerge(err error) {
	m.fullMerges.Add(1)
	if err != nil {
		m.mergeFailures.Add(1)
	}
}

// RecordPartialMerges records how many operand pairs were combined and how
// many were declined by the operator.
func (m *Metrics) RecordPartialMerges(applied, declined int) {
	m.partialMerges.Add(uint64(applied))
	m.partialDeclined.Add(uint64(declined))
}

func (m *Metrics) RecordFlush(bytes int64, err error) {
	if err != nil {
		m.flushErrors.Add(1)
		return
	}
	m.flushes.Add(1)
	m.bytesFlushed.Add(uint64(bytes))
}

func (m *Metrics) RecordCompaction(bytes int64, err error) {
	if err != nil {
		m.compactionErrors.Add(1)
		return
	}
	m.compactions.Add(1)
	m.bytesCompacted.Add(uint64(bytes))
}

// Snapshot holds point-in-time metric values. Gauges are filled by the engine.
type Snapshot struct {
	Puts    uint64
	Merges  uint64
	Deletes uint64

	Gets      uint64
	GetsFound uint64

	FullMerges      uint64
	MergeFailures   uint64
	PartialMerges   uint64
	PartialDeclined uint64

	Flushes          uint64
	FlushErrors      uint64
	BytesFlushed     uint64
	Compactions      uint64
	CompactionErrors uint64
	BytesCompacted   uint64

	// gauges
	LastSeqN        uint64
	SealedMemtables int
	SegmentsByLevel []int
	BytesByLevel    []int64
	CacheHits       uint64
	CacheMisses     uint64
	Uptime          time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Puts:             m.puts.Load(),
		Merges:           m.merges.Load(),
		Deletes:          m.deletes.Load(),
		Gets:             m.gets.Load(),
		GetsFound:        m.getsFound.Load(),
		FullMerges:       m.fullMerges.Load(),
		MergeFailures:    m.mergeFailures.Load(),
		PartialMerges:    m.partialMerges.Load(),
		PartialDeclined:  m.partialDeclined.Load(),
		Flushes:          m.flushes.Load(),
		FlushErrors:      m.flushErrors.Load(),
		BytesFlushed:     m.bytesFlushed.Load(),
		Compactions:      m.compactions.Load(),
		CompactionErrors: m.compactionErrors.Load(),
		BytesCompacted:   m.bytesCompacted.Load(),
		Uptime:           time.Since(m.startTime),
	}
}

// WritePrometheus renders s in the Prometheus text exposition format.
func WritePrometheus(w io.Writer, s Snapshot) error {
	p := &printer{w: w}

	p.metric("mergedb_uptime_seconds", "gauge", "Time since the store was opened", fmt.Sprintf("%.2f", s.Uptime.Seconds()))

	p.header("mergedb_writes_total", "counter", "Writes by kind")
	p.sample(`mergedb_writes_total{kind="put"}`, s.Puts)
	p.sample(`mergedb_writes_total{kind="merge"}`, s.Merges)
	p.sample(`mergedb_writes_total{kind="delete"}`, s.Deletes)

	p.metric("mergedb_gets_total", "counter", "Lookups", s.Gets)
	p.metric("mergedb_gets_found_total", "counter", "Lookups that found a value", s.GetsFound)
	p.metric("mergedb_full_merges_total", "counter", "FullMerge invocations", s.FullMerges)
	p.metric("mergedb_merge_failures_total", "counter", "Failed FullMerge invocations", s.MergeFailures)
	p.metric("mergedb_partial_merges_total", "counter", "Operand pairs combined by PartialMerge", s.PartialMerges)
	p.metric("mergedb_partial_merges_declined_total", "counter", "Operand pairs PartialMerge declined", s.PartialDeclined)
	p.metric("mergedb_flushes_total", "counter", "Completed memtable flushes", s.Flushes)
	p.metric("mergedb_flush_errors_total", "counter", "Failed memtable flushes", s.FlushErrors)
	p.metric("mergedb_flushed_bytes_total", "counter", "Bytes written by flushes", s.BytesFlushed)
	p.metric("mergedb_compactions_total", "counter", "Completed compactions", s.Compactions)
	p.metric("mergedb_compaction_errors_total", "counter", "Failed compactions", s.CompactionErrors)
	p.metric("mergedb_compacted_bytes_total", "counter", "Bytes written by compactions", s.BytesCompacted)
	p.metric("mergedb_last_sequence", "gauge", "Last assigned sequence number", s.LastSeqN)
	p.metric("mergedb_sealed_memtables", "gauge", "Memtables waiting for flush", s.SealedMemtables)
	p.metric("mergedb_block_cache_hits_total", "counter", "Block cache hits", s.CacheHits)
	p.metric("mergedb_block_cache_misses_total", "counter", "Block cache misses", s.CacheMisses)

	p.header("mergedb_segments", "gauge", "Segments per level")
	for level, n := range s.SegmentsByLevel {
		p.sample(fmt.Sprintf(`mergedb_segments{level="%d"}`, level), n)
	}
	p.header("mergedb_level_bytes", "gauge", "Segment bytes per level")
	for level, n := range s.BytesByLevel {
		p.sample(fmt.Sprintf(`mergedb_level_bytes{level="%d"}`, level), n)
	}

	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) header(name, typ, help string) {
	p.printf("# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func (p *printer) sample(name string, v any) {
	p.printf("%s %v\n", name, v)
}

func (p *printer) metric(name, typ, help string, v any) {
	p.header(name, typ, help)
	p.sample(name, v)
}
