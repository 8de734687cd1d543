package memory

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// accessClock is the process-wide monotonic access counter. A single
// source gives a total recency order even across page tables.
var accessClock atomic.Uint64

// StorageBackend is the block interface the manager pages against
type StorageBackend interface {
	ReadBlock(file, tag string, blockNumber uint32) ([]byte, error)
	WriteBlock(file, tag string, blockNumber uint32, data []byte) error
}

// Manager owns a fixed slab of physical memory divided into page-size
// frames and demand-pages file:tag mappings against storage. It is
// driven only by its owning worker's executor goroutine, so it needs no
// internal locking.
type Manager struct {
	memory   []byte
	pageSize int
	policy   types.ReplacementAlgorithm
	delay    time.Duration
	storage  StorageBackend
	entries  []*FileTagEntry
	frames   FrameTable
	queryID  uint32
	logger   zerolog.Logger
}

// NewManager creates a manager over memoryBytes of slab split into
// pageSize frames.
func NewManager(memoryBytes, pageSize int, policy types.ReplacementAlgorithm, delay time.Duration, storage StorageBackend) (*Manager, error) {
	if pageSize <= 0 || memoryBytes < pageSize {
		return nil, fmt.Errorf("invalid memory geometry: %d bytes, %d page size", memoryBytes, pageSize)
	}
	frameCount := memoryBytes / pageSize
	return &Manager{
		memory:   make([]byte, frameCount*pageSize),
		pageSize: pageSize,
		policy:   policy,
		delay:    delay,
		storage:  storage,
		frames:   FrameTable{Frames: make([]Frame, frameCount)},
		logger:   log.WithComponent("memory"),
	}, nil
}

// BindQuery attaches the manager to the query now executing; the id
// only feeds the access log lines.
func (m *Manager) BindQuery(queryID uint32) {
	m.queryID = queryID
}

// PageSize returns the frame size in bytes
func (m *Manager) PageSize() int {
	return m.pageSize
}

// FrameCount returns the number of frames in the slab
func (m *Manager) FrameCount() int {
	return len(m.frames.Frames)
}

// PageTableFor returns the page table for file:tag, creating a one-page
// table on first sight.
func (m *Manager) PageTableFor(file, tag string) *PageTable {
	for _, e := range m.entries {
		if e.File == file && e.Tag == tag {
			return e.Table
		}
	}
	entry := &FileTagEntry{File: file, Tag: tag, Table: NewPageTable(1)}
	m.entries = append(m.entries, entry)
	return entry.Table
}

func (m *Manager) findEntry(file, tag string) *FileTagEntry {
	for _, e := range m.entries {
		if e.File == file && e.Tag == tag {
			return e
		}
	}
	return nil
}

func (m *Manager) frameSlice(frame int) []byte {
	return m.memory[frame*m.pageSize : (frame+1)*m.pageSize]
}

// Read copies size bytes starting at logical offset base, faulting
// pages in as needed.
func (m *Manager) Read(file, tag string, base, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	pt := m.PageTableFor(file, tag)
	entry := m.findEntry(file, tag)

	offset := base
	remaining := size
	for remaining > 0 {
		pageNum := int(offset) / m.pageSize
		pageOff := int(offset) % m.pageSize
		chunk := m.pageSize - pageOff
		if uint32(chunk) > remaining {
			chunk = int(remaining)
		}

		frame, err := m.ensurePresent(entry, pt, pageNum)
		if err != nil {
			return nil, err
		}

		time.Sleep(m.delay)
		data := m.frameSlice(frame)[pageOff : pageOff+chunk]
		out = append(out, data...)
		m.touch(pt, pageNum, false)
		m.logAccess("LEER", frame, pageOff, data)

		offset += uint32(chunk)
		remaining -= uint32(chunk)
	}
	return out, nil
}

// Write copies data into the mapping starting at logical offset base,
// marking every touched page dirty.
func (m *Manager) Write(file, tag string, base uint32, data []byte) error {
	pt := m.PageTableFor(file, tag)
	entry := m.findEntry(file, tag)

	offset := base
	for len(data) > 0 {
		pageNum := int(offset) / m.pageSize
		pageOff := int(offset) % m.pageSize
		chunk := m.pageSize - pageOff
		if chunk > len(data) {
			chunk = len(data)
		}

		frame, err := m.ensurePresent(entry, pt, pageNum)
		if err != nil {
			return err
		}

		time.Sleep(m.delay)
		copy(m.frameSlice(frame)[pageOff:pageOff+chunk], data[:chunk])
		m.touch(pt, pageNum, true)
		m.logAccess("ESCRIBIR", frame, pageOff, data[:chunk])

		offset += uint32(chunk)
		data = data[chunk:]
	}
	return nil
}

// ensurePresent grows the table across pageNum and faults the page in
// when absent, returning its frame.
func (m *Manager) ensurePresent(entry *FileTagEntry, pt *PageTable, pageNum int) (int, error) {
	pt.EnsureLen(pageNum + 1)
	pte := &pt.Entries[pageNum]
	if pte.Present {
		return pte.Frame, nil
	}
	return m.pageFault(entry, pt, pageNum)
}

// pageFault allocates a frame, populates it from storage and maps the
// page clean.
func (m *Manager) pageFault(entry *FileTagEntry, pt *PageTable, pageNum int) (int, error) {
	frame, err := m.allocFrame()
	if err != nil {
		return 0, err
	}

	block, err := m.storage.ReadBlock(entry.File, entry.Tag, uint32(pageNum))
	if err != nil {
		m.frames.Frames[frame].Used = false
		return 0, fmt.Errorf("page-in %s:%s page %d: %w", entry.File, entry.Tag, pageNum, err)
	}

	slab := m.frameSlice(frame)
	n := copy(slab, block)
	for i := n; i < len(slab); i++ {
		slab[i] = 0
	}

	pte := &pt.Entries[pageNum]
	pte.Frame = frame
	pte.Present = true
	pte.Dirty = false
	pte.UseBit = false
	pte.LastAccess = accessClock.Add(1)

	metrics.PageFaultsTotal.Inc()
	m.logger.Debug().
		Uint32("query_id", m.queryID).
		Str("file", entry.File).Str("tag", entry.Tag).
		Int("page", pageNum).Int("frame", frame).
		Msg("Page fault resolved")
	return frame, nil
}

// touch refreshes recency state after an access
func (m *Manager) touch(pt *PageTable, pageNum int, write bool) {
	pte := &pt.Entries[pageNum]
	pte.LastAccess = accessClock.Add(1)
	pte.UseBit = true
	if write {
		pte.Dirty = true
	}
}

// allocFrame returns a free frame, running replacement when the slab is
// full.
func (m *Manager) allocFrame() (int, error) {
	for i := range m.frames.Frames {
		if !m.frames.Frames[i].Used {
			m.frames.Frames[i].Used = true
			return i, nil
		}
	}

	switch m.policy {
	case types.ReplacementClockM:
		return m.evictClockM()
	default:
		return m.evictLRU()
	}
}

// pageRef locates the mapping behind a frame
type pageRef struct {
	entry   *FileTagEntry
	pageNum int
}

func (m *Manager) pageForFrame(frame int) (pageRef, bool) {
	for _, e := range m.entries {
		for i := range e.Table.Entries {
			pte := &e.Table.Entries[i]
			if pte.Present && pte.Frame == frame {
				return pageRef{entry: e, pageNum: i}, true
			}
		}
	}
	return pageRef{}, false
}

// evict unmaps ref's page, writing it back first when dirty, and
// returns its frame for reuse.
func (m *Manager) evict(ref pageRef) (int, error) {
	pte := &ref.entry.Table.Entries[ref.pageNum]
	frame := pte.Frame
	if pte.Dirty {
		if err := m.writeback(ref.entry, ref.pageNum, frame); err != nil {
			return 0, err
		}
	}
	pte.Present = false
	pte.Dirty = false
	pte.UseBit = false
	return frame, nil
}

// evictLRU selects the present page with the oldest access stamp across
// every mapping.
func (m *Manager) evictLRU() (int, error) {
	var victim pageRef
	var found bool
	var oldest uint64

	for _, e := range m.entries {
		for i := range e.Table.Entries {
			pte := &e.Table.Entries[i]
			if !pte.Present {
				continue
			}
			if !found || pte.LastAccess < oldest {
				victim = pageRef{entry: e, pageNum: i}
				oldest = pte.LastAccess
				found = true
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no present page to evict")
	}

	frame, err := m.evict(victim)
	if err != nil {
		return 0, err
	}
	metrics.PageReplacementsTotal.WithLabelValues(string(types.ReplacementLRU)).Inc()
	m.logger.Info().
		Uint32("query_id", m.queryID).
		Str("victim_file", victim.entry.File).
		Str("victim_tag", victim.entry.Tag).
		Int("victim_page", victim.pageNum).
		Int("frame", frame).
		Msg("LRU replacement")
	return frame, nil
}

// evictClockM runs the two-pass Clock-M sweep: pass one looks for a
// clean unreferenced page, pass two remembers the first dirty
// unreferenced one while clearing use bits, repeating until a victim
// appears.
func (m *Manager) evictClockM() (int, error) {
	frameCount := len(m.frames.Frames)

	for {
		// Pass 1: use=0, dirty=0
		for scanned := 0; scanned < frameCount; scanned++ {
			frame := m.frames.ClockPointer
			m.frames.ClockPointer = (m.frames.ClockPointer + 1) % frameCount

			ref, mapped := m.pageForFrame(frame)
			if !mapped {
				// The backing mapping was removed; the frame is free as is.
				return frame, nil
			}
			pte := &ref.entry.Table.Entries[ref.pageNum]
			if !pte.UseBit && !pte.Dirty {
				if _, err := m.evict(ref); err != nil {
					return 0, err
				}
				m.recordClockVictim(ref, frame)
				return frame, nil
			}
		}

		// Pass 2: use=0, dirty=1, clearing use bits along the way
		candidate := -1
		var candidateRef pageRef
		for scanned := 0; scanned < frameCount; scanned++ {
			frame := m.frames.ClockPointer
			m.frames.ClockPointer = (m.frames.ClockPointer + 1) % frameCount

			ref, mapped := m.pageForFrame(frame)
			if !mapped {
				return frame, nil
			}
			pte := &ref.entry.Table.Entries[ref.pageNum]
			if pte.UseBit {
				pte.UseBit = false
				continue
			}
			if pte.Dirty && candidate < 0 {
				candidate = frame
				candidateRef = ref
			}
		}
		if candidate >= 0 {
			if _, err := m.evict(candidateRef); err != nil {
				return 0, err
			}
			m.recordClockVictim(candidateRef, candidate)
			return candidate, nil
		}
		// Every use bit is now clear; the next sweep must find a victim.
	}
}

func (m *Manager) recordClockVictim(ref pageRef, frame int) {
	metrics.PageReplacementsTotal.WithLabelValues(string(types.ReplacementClockM)).Inc()
	m.logger.Info().
		Uint32("query_id", m.queryID).
		Str("victim_file", ref.entry.File).
		Str("victim_tag", ref.entry.Tag).
		Int("victim_page", ref.pageNum).
		Int("frame", frame).
		Msg("Clock-M replacement")
}

// writeback flushes one frame to storage
func (m *Manager) writeback(entry *FileTagEntry, pageNum, frame int) error {
	data := make([]byte, m.pageSize)
	copy(data, m.frameSlice(frame))
	if err := m.storage.WriteBlock(entry.File, entry.Tag, uint32(pageNum), data); err != nil {
		return fmt.Errorf("writeback %s:%s page %d: %w", entry.File, entry.Tag, pageNum, err)
	}
	metrics.DirtyWritebacksTotal.Inc()
	return nil
}

// Flush writes back every dirty page of one mapping and clears its
// dirty bits. Pages stay mapped.
func (m *Manager) Flush(file, tag string) error {
	entry := m.findEntry(file, tag)
	if entry == nil {
		return nil
	}
	return m.flushEntry(entry)
}

func (m *Manager) flushEntry(entry *FileTagEntry) error {
	for i := range entry.Table.Entries {
		pte := &entry.Table.Entries[i]
		if !pte.Present || !pte.Dirty {
			continue
		}
		if err := m.writeback(entry, i, pte.Frame); err != nil {
			return err
		}
		pte.Dirty = false
	}
	return nil
}

// FlushAllDirty writes back every dirty page of every mapping
func (m *Manager) FlushAllDirty() error {
	for _, entry := range m.entries {
		if err := m.flushEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMapping flushes and releases the page table for file:tag,
// freeing any frames its pages still hold.
func (m *Manager) RemoveMapping(file, tag string) error {
	for idx, entry := range m.entries {
		if entry.File != file || entry.Tag != tag {
			continue
		}
		if err := m.flushEntry(entry); err != nil {
			return err
		}
		for i := range entry.Table.Entries {
			pte := &entry.Table.Entries[i]
			if pte.Present {
				m.frames.Frames[pte.Frame].Used = false
				pte.Present = false
			}
		}
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
		return nil
	}
	return nil
}

// Reset drops every mapping without writeback; used when a query is
// torn down after its pages were already flushed.
func (m *Manager) Reset() {
	m.entries = nil
	for i := range m.frames.Frames {
		m.frames.Frames[i].Used = false
	}
	m.frames.ClockPointer = 0
}

// logAccess emits the per-access line: action, physical address and a
// printable preview of the first bytes moved.
func (m *Manager) logAccess(action string, frame, offset int, data []byte) {
	m.logger.Info().
		Uint32("query_id", m.queryID).
		Str("accion", action).
		Int("direccion_fisica", frame*m.pageSize+offset).
		Str("datos", preview(data)).
		Msg("Memory access")
}

// preview renders up to 64 bytes with non-printables replaced by dots
func preview(data []byte) string {
	n := len(data)
	if n > 64 {
		n = 64
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		if data[i] >= 0x20 && data[i] < 0x7f {
			out[i] = data[i]
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
