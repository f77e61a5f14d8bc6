// Package writer implements the log writer and archive promotion:
// the component that drains the copier's recv queue, durably writes
// each page to the active log volume and a background archive copy,
// and promotes a full active segment into a numbered archive file.
//
// Grounded on spec.md §4.8/§4.9 and original_source's repl_writer.c.
// The dual write uses golang.org/x/sys/unix.Pwrite, the idiom for
// direct positioned I/O seen elsewhere in this stack (e.g. bbolt's own
// mmap file handling); archive promotion is gated on a reader refcount so
// a page being streamed to a cascaded replica is never renamed out
// from under it, then performed via os.Rename for atomicity.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/replication/rerr"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// Config configures one Writer instance.
type Config struct {
	ActivePath string
	ArchiveDir string
	NPages     int64 // active volume capacity, excluding the header slot
	FPageID    int64 // logical id of physical slot 1
	DBName     string
	Store      catalog.Store
	HostIP     string
}

// headerFlushInterval bounds how long the header can go un-flushed
// absent a forcing event (archiving, a server-state transition), per
// spec.md §4.8 point 6's "time-based heartbeat ≥ 1s".
const headerFlushInterval = time.Second

// Writer drains a recv queue of pages into the active volume, mirrors
// each page into the in-progress archive segment, and promotes full
// segments.
type Writer struct {
	cfg Config

	active  *os.File
	archive *os.File
	arvNum  int32

	readers   atomic.Int32 // pins preventing archive promotion mid-read
	flushedID atomic.Int64

	masterFileStatus atomic.Int32
	masterNxArvNum   atomic.Int32

	mu              sync.Mutex
	hdr             logrec.Header
	lastHeaderFlush time.Time
}

// SetMasterStatus records the upstream's most recently reported
// file_status and nxarv_num, the two archive-promotion triggers
// spec.md §4.8 point 3 specifies ("the master's file_status is
// archived ... or the master's nxarv_num is exactly one greater than
// ours"), replacing a purely local page-count boundary check.
func (w *Writer) SetMasterStatus(fileStatus logrec.FileStatus, nxArvNum int32) {
	w.masterFileStatus.Store(int32(fileStatus))
	w.masterNxArvNum.Store(nxArvNum)
}

func (w *Writer) shouldPromote() bool {
	if logrec.FileStatus(w.masterFileStatus.Load()) == logrec.FileStatusArchived {
		return true
	}
	return w.masterNxArvNum.Load() == w.arvNum+1
}

// Open opens (or bootstraps) the active volume's slot-0 header and
// starts a fresh in-progress archive segment. Per spec.md §8 scenario
// S1, a replica that has never connected before has no active-log
// volume: Open formats one for cfg.NPages and writes a bootstrap
// header; an existing volume has its header read back instead, and
// cfg.FPageID/NPages adopt whatever the header already records so a
// restart resumes exactly where the last session left off.
func Open(cfg Config) (*Writer, error) {
	active, err := os.OpenFile(cfg.ActivePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("writer: open active volume: %w", err)
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o700); err != nil {
		active.Close()
		return nil, fmt.Errorf("writer: create archive dir: %w", err)
	}

	w := &Writer{cfg: cfg, active: active}

	st, err := active.Stat()
	if err != nil {
		active.Close()
		return nil, fmt.Errorf("writer: stat active volume: %w", err)
	}

	if st.Size() < logrec.PageSize {
		w.hdr = logrec.Header{
			CreationTime: time.Now().UTC(),
			Prefix:       cfg.DBName,
			PageSize:     logrec.PageSize,
			NPages:       cfg.NPages,
			FPageID:      cfg.FPageID,
			EOFLSA:       types.NullLSA,
			HA: logrec.HAInfo{
				LastFlushedPageID: cfg.FPageID - 1,
				FileStatus:        logrec.FileStatusClear,
			},
		}
		if err := w.writeHeader(); err != nil {
			active.Close()
			return nil, err
		}
	} else {
		var page [logrec.PageSize]byte
		if _, err := unix.Pread(int(active.Fd()), page[:], 0); err != nil {
			active.Close()
			return nil, fmt.Errorf("writer: read active header: %w", err)
		}
		hdr, err := logrec.DecodeHeader(page[:])
		if err != nil {
			active.Close()
			return nil, fmt.Errorf("writer: decode active header: %w", err)
		}
		w.hdr = hdr
		w.cfg.NPages = hdr.NPages
		w.cfg.FPageID = hdr.FPageID
	}

	w.flushedID.Store(w.hdr.HA.LastFlushedPageID)
	if err := w.openArchiveSegment(); err != nil {
		active.Close()
		return nil, err
	}
	return w, nil
}

// writeHeader rewrites physical slot 0 with the current in-memory
// header and fsyncs, per spec.md §4.8 point 6.
func (w *Writer) writeHeader() error {
	w.hdr.Magic = logrec.HeaderMagic
	page := logrec.EncodeHeader(w.hdr)
	if _, err := unix.Pwrite(int(w.active.Fd()), page[:], 0); err != nil {
		return fmt.Errorf("writer: write active header: %w", err)
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("writer: sync active header: %w", err)
	}
	w.lastHeaderFlush = time.Now()
	return nil
}

// flushHeaderIfDue rewrites the header when forced (archiving in
// flight, a server-state transition just observed) or when the
// time-based heartbeat has elapsed, per spec.md §4.8 point 6.
func (w *Writer) flushHeaderIfDue(force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !force && time.Since(w.lastHeaderFlush) < headerFlushInterval {
		return nil
	}
	return w.writeHeader()
}

func (w *Writer) archivePath(arvNum int32, final bool) string {
	if final {
		return filepath.Join(w.cfg.ArchiveDir, fmt.Sprintf("archive_%05d", arvNum))
	}
	return filepath.Join(w.cfg.ArchiveDir, "archive_in_progress")
}

func (w *Writer) openArchiveSegment() error {
	f, err := os.OpenFile(w.archivePath(w.arvNum, false), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writer: open archive segment: %w", err)
	}
	w.archive = f
	return nil
}

// AddReader pins the writer against archive promotion; callers
// streaming pages out of the active/archive region during a fetch
// must hold this for the duration of the read.
func (w *Writer) AddReader() { w.readers.Add(1) }

// ReleaseReader releases a pin taken by AddReader.
func (w *Writer) ReleaseReader() { w.readers.Add(-1) }

// WritePage durably writes one page to both the active volume and the
// background archive, in that order (spec.md §4.8: active-then-archive,
// never the reverse, so a crash mid-write never leaves the archive
// ahead of the active volume's durable state).
func (w *Writer) WritePage(page *logrec.Page) error {
	physical := logrec.LogicalToPhysical(page.PageID, w.cfg.FPageID, w.cfg.NPages)
	activeOffset := physical * logrec.PageSize

	if _, err := unix.Pwrite(int(w.active.Fd()), page.Data[:], activeOffset); err != nil {
		return fmt.Errorf("writer: pwrite active page %d: %w: %w", page.PageID, err, rerr.ErrTransient)
	}

	archiveSlot := page.PageID - w.cfg.FPageID
	archiveOffset := (archiveSlot + 1) * logrec.PageSize
	if _, err := unix.Pwrite(int(w.archive.Fd()), page.Data[:], archiveOffset); err != nil {
		return fmt.Errorf("writer: pwrite archive page %d: %w: %w", page.PageID, err, rerr.ErrTransient)
	}

	w.flushedID.Store(page.PageID)
	rmetrics.WriterFlushedPageID.Set(float64(page.PageID))

	w.mu.Lock()
	w.hdr.HA.LastFlushedPageID = page.PageID
	w.mu.Unlock()

	promoting := w.shouldPromote()
	if promoting {
		if err := w.promote(page.PageID); err != nil {
			return err
		}
	}
	return w.flushHeaderIfDue(promoting)
}

// promote finalizes the current archive segment (writes its header
// and renames it into place) and starts a fresh segment, advancing
// FPageID past the just-filled window. Blocks (bounded, spinning)
// until no reader is pinned, per spec.md §4.9.
func (w *Writer) promote(lastPageID int64) error {
	for i := 0; i < 1000 && w.readers.Load() > 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if w.readers.Load() > 0 {
		return fmt.Errorf("writer: archive promotion timed out waiting for readers: %w", rerr.ErrTransient)
	}

	hdr := logrec.ArchiveHeader{
		DBCreateTime: w.hdr.CreationTime,
		FPageID:      w.cfg.FPageID,
		ArvNum:       w.arvNum,
		NPages:       w.cfg.NPages,
	}
	if err := writeArchiveHeader(w.archive, hdr); err != nil {
		return err
	}
	if err := w.archive.Sync(); err != nil {
		return fmt.Errorf("writer: sync archive segment: %w", err)
	}
	if err := w.archive.Close(); err != nil {
		return fmt.Errorf("writer: close archive segment: %w", err)
	}

	finalPath := w.archivePath(w.arvNum, true)
	if err := os.Rename(w.archivePath(w.arvNum, false), finalPath); err != nil {
		return fmt.Errorf("writer: promote archive segment: %w", err)
	}
	rmetrics.ArchivePromotions.Inc()
	rlog.WithComponent("writer").Info().Msg("archive segment promoted: " + finalPath)

	w.arvNum++
	w.cfg.FPageID = lastPageID + 1

	w.mu.Lock()
	w.hdr.FPageID = w.cfg.FPageID
	w.hdr.NextArchiveSeqNo = w.arvNum
	w.hdr.HA.NxArvPageID = w.cfg.FPageID
	w.hdr.HA.NxArvNum = w.arvNum
	w.mu.Unlock()

	return w.openArchiveSegment()
}

// writeArchiveHeader serializes hdr via logrec's binary archive-header
// codec into slot 0 of the archive segment, per spec.md §8 scenario
// S1's "its header reports npages/fpageid" contract.
func writeArchiveHeader(f *os.File, hdr logrec.ArchiveHeader) error {
	page := logrec.EncodeArchiveHeader(hdr)
	if _, err := unix.Pwrite(int(f.Fd()), page[:], 0); err != nil {
		return fmt.Errorf("writer: write archive header: %w", err)
	}
	return nil
}

// FlushedPageID returns the highest page id durably written so far.
func (w *Writer) FlushedPageID() int64 { return w.flushedID.Load() }

// ReadPage reads a page back off the active volume, making Writer
// usable directly as a logpage.Source for the analyzer's forward
// scan: the analyzer never has to know whether a page it wants is
// still in the active volume or has been promoted to an archive file.
func (w *Writer) ReadPage(pageID int64) (*logrec.Page, error) {
	if pageID < w.cfg.FPageID || pageID > w.FlushedPageID() {
		return nil, fmt.Errorf("writer: read page %d: out of flushed range [%d,%d]: %w",
			pageID, w.cfg.FPageID, w.FlushedPageID(), rerr.ErrPageDoesNotExist)
	}
	physical := logrec.LogicalToPhysical(pageID, w.cfg.FPageID, w.cfg.NPages)
	offset := physical * logrec.PageSize

	page := &logrec.Page{PageID: pageID}
	if _, err := unix.Pread(int(w.active.Fd()), page.Data[:], offset); err != nil {
		return nil, fmt.Errorf("writer: pread active page %d: %w: %w", pageID, err, rerr.ErrTransient)
	}
	return page, nil
}

// PersistProgress records the writer's durable progress row and
// mirrors eofLSA into ha_info.eof_lsa on the active-log header.
func (w *Writer) PersistProgress(eofLSA types.LSA) error {
	w.mu.Lock()
	w.hdr.EOFLSA = eofLSA
	w.mu.Unlock()
	if err := w.flushHeaderIfDue(false); err != nil {
		return err
	}

	return w.cfg.Store.PutWriterRow(&catalog.WriterRow{
		HostIP:            w.cfg.HostIP,
		LastFlushedPageID: w.FlushedPageID(),
		LastReceivedTime:  time.Now(),
		EOFLSA:            eofLSA,
		RecordedAt:        time.Now(),
	})
}

// SetServerState persists the upstream's reported HA server state into
// ha_info.server_state, forcing an immediate header flush on change
// per spec.md §4.8 point 6 ("server state transition observed").
func (w *Writer) SetServerState(state string) error {
	w.mu.Lock()
	changed := w.hdr.HA.ServerState != state
	w.hdr.HA.ServerState = state
	w.mu.Unlock()
	if !changed {
		return nil
	}
	return w.flushHeaderIfDue(true)
}

// NoteUpstreamDead records a copier-observed server_state==DEAD
// transition in the operator-facing log-info trail and forces a
// header flush, per spec.md §4.7 point 4.
func (w *Writer) NoteUpstreamDead(at time.Time) error {
	if err := w.SetServerState(walproto.ServerStateDead); err != nil {
		return err
	}
	return AppendLogInfo(filepath.Join(w.cfg.ArchiveDir, "log_info"),
		fmt.Sprintf("upstream reported server_state=dead at %s", at.UTC().Format(time.RFC3339)))
}

// Close syncs and closes both the active volume and the in-progress
// archive segment.
func (w *Writer) Close() error {
	var errs []error
	if err := w.active.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.active.Close(); err != nil {
		errs = append(errs, err)
	}
	if w.archive != nil {
		if err := w.archive.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := w.archive.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("writer: close: %v", errs)
	}
	return nil
}

// AppendLogInfo appends one line to the operator-facing log-info text
// file (spec.md §6: a human-readable append-only audit trail of
// archive creations, changemode denials, and deactivation results).
func AppendLogInfo(path string, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("writer: open log-info file: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	return err
}
