// Package reindex implements the Warm Reindexer & Tail Follower (spec.md
// 4.I): boot-time replay of the append-only decision files into the ticket
// store's secondary indices, followed by a runtime tail-follow loop that
// notices externally appended approvals and auto-derives their REPLYs.
//
// Grounded on the teacher's runstate.LoadSnapshot (best-effort replay of
// on-disk artifacts into an in-memory snapshot, tolerant of missing files)
// and server/sse.go's non-blocking-send fan-out discipline, generalized here
// from event delivery to work scheduling.
package reindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/avery-chen/ticketflow/internal/derive"
	"github.com/avery-chen/ticketflow/internal/snapshot"
)

// pollInterval is the tail follower's defensive fallback against missed
// fsnotify events on filesystems/containers that don't deliver them
// reliably, per spec.md 4.I's "added" note.
const pollInterval = 900 * time.Millisecond

// Indexer is the narrow store surface the warm reindexer rebuilds.
type Indexer interface {
	IndexTriage(candidateID, ticketID string)
	IndexSeed(seedValue, candidateID string)
	IndexReply(candidateID, ticketID string)
}

// Metrics is the narrow slice of the metrics registry soft faults report
// through, reusing the same guard-reject counter shape the store uses.
type Metrics interface {
	IncGuardReject(code, action string)
}

// Reindexer rebuilds ticket-store indices from the append-only decision
// files on boot, then tails the triage decisions file for externally
// appended DONE+APPROVE lines while the orchestrator runs.
type Reindexer struct {
	triagePath    string
	replyPath     string
	watermarkPath string
	logsDir       string

	store       Indexer
	tailCreator derive.TailReplyCreator
	metrics     Metrics
	logger      *log.Logger

	work   chan struct{}
	busy   atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reindexer. tailCreator may be nil, in which case tailed
// DONE+APPROVE lines still update the indices but never synthesize a REPLY
// (used by callers that only want boot replay).
func New(logsDir, triagePath, replyPath, watermarkPath string, store Indexer, tailCreator derive.TailReplyCreator, metrics Metrics, logger *log.Logger) *Reindexer {
	return &Reindexer{
		triagePath:    triagePath,
		replyPath:     replyPath,
		watermarkPath: watermarkPath,
		logsDir:       logsDir,
		store:         store,
		tailCreator:   tailCreator,
		metrics:       metrics,
		logger:        logger,
		work:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// ReplayOnBoot streams both decision files once, reinserting every DONE
// triage decision into the TRIAGE and seed indices and every DONE reply
// result into the REPLY index, per spec.md 4.I. Missing files are not an
// error: a fresh install has neither yet.
func (r *Reindexer) ReplayOnBoot() error {
	if err := r.replayFile(r.triagePath, func(d snapshot.Decision) {
		if d.State != snapshot.StateDone || d.TicketID == "" {
			return
		}
		r.store.IndexTriage(d.CandidateID, d.TicketID)
		if d.SeedValue != "" {
			r.store.IndexSeed(d.SeedValue, d.CandidateID)
		}
	}); err != nil {
		return fmt.Errorf("reindex: replay triage decisions: %w", err)
	}

	if err := r.replayFile(r.replyPath, func(d snapshot.Decision) {
		if d.State != snapshot.StateDone || d.TicketID == "" {
			return
		}
		r.store.IndexReply(d.CandidateID, d.TicketID)
	}); err != nil {
		return fmt.Errorf("reindex: replay reply results: %w", err)
	}

	wm, err := watermarkFor(r.triagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reindex: stat triage decisions: %w", err)
	}
	return snapshot.UpdateWatermark(r.watermarkPath, wm)
}

func (r *Reindexer) replayFile(path string, apply func(snapshot.Decision)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var d snapshot.Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			r.softFault("reindex_parse_error")
			continue
		}
		apply(d)
	}
	return sc.Err()
}

// Start launches the tail-follow loop: an fsnotify watch on logsDir plus a
// 900ms poll fallback feeding a single-runner worker. Both the watch and the
// poll call enqueue(), which refuses overlap.
func (r *Reindexer) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reindex: new watcher: %w", err)
	}
	if err := watcher.Add(r.logsDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("reindex: watch %s: %w", r.logsDir, err)
	}

	r.wg.Add(2)
	go r.watchLoop(watcher)
	go r.workerLoop()
	return nil
}

// Stop ends both the watch and worker loops and waits for them to exit.
func (r *Reindexer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reindexer) watchLoop(watcher *fsnotify.Watcher) {
	defer r.wg.Done()
	defer watcher.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	target := filepath.Clean(r.triagePath)
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.enqueue()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logf("watch error: %v", err)
		case <-ticker.C:
			r.enqueue()
		}
	}
}

func (r *Reindexer) workerLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.work:
			r.runStep()
			r.busy.Store(false)
		}
	}
}

// enqueue schedules one tail step, refusing overlap: only the caller that
// wins the busy flag's compare-and-swap attempts the non-blocking send,
// grounded on sse.go's Send drop pattern for slow subscribers.
func (r *Reindexer) enqueue() {
	if !r.busy.CompareAndSwap(false, true) {
		return
	}
	select {
	case r.work <- struct{}{}:
	default:
		r.busy.Store(false)
	}
}

func (r *Reindexer) runStep() {
	wm, err := snapshot.LoadWatermark(r.watermarkPath)
	if err != nil {
		r.softFault("reindex_watermark_read_error")
		return
	}

	f, err := os.Open(r.triagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		r.softFault("reindex_tail_open_error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		r.softFault("reindex_tail_stat_error")
		return
	}

	inode := inodeOf(info)
	size := info.Size()
	if inode != wm.TriageInode || size < wm.TriageBytes {
		wm = snapshot.Watermark{TriageInode: inode}
	}
	if size <= wm.TriageBytes {
		return
	}

	if _, err := f.Seek(wm.TriageBytes, io.SeekStart); err != nil {
		r.softFault("reindex_tail_seek_error")
		return
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	consumed := wm.TriageBytes
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			consumed += int64(len(line))
			r.applyTailLine(line)
		}
		if err != nil {
			break // EOF, possibly mid-line: stop here, watermark stays at the last complete line
		}
	}

	wm.TriageBytes = consumed
	if err := snapshot.UpdateWatermark(r.watermarkPath, wm); err != nil {
		r.softFault("reindex_watermark_write_error")
	}
}

func (r *Reindexer) applyTailLine(line []byte) {
	var d snapshot.Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(line))), &d); err != nil {
		r.softFault("reindex_tail_parse_error")
		return
	}
	if d.State != snapshot.StateDone || d.TriageResult == nil {
		return
	}
	if d.TicketID != "" {
		r.store.IndexTriage(d.CandidateID, d.TicketID)
	}
	if d.SeedValue != "" {
		r.store.IndexSeed(d.SeedValue, d.CandidateID)
	}
	if !strings.EqualFold(strings.TrimSpace(d.TriageResult.Decision), "APPROVE") {
		return
	}
	if r.tailCreator == nil {
		return
	}

	res, err := derive.DeriveReplyFromTailDecision(r.tailCreator, derive.TailReplyParams{
		CandidateID: d.CandidateID,
		TriageID:    d.TicketID,
		ShortReason: d.TriageResult.ShortReason,
	})
	if err != nil {
		r.softFault("reindex_tail_derive_error")
		return
	}
	if res.Outcome == derive.OutcomeCreated {
		r.logf("tail:auto reply %s for candidate %s", res.TicketID, d.CandidateID)
	}
}

func (r *Reindexer) softFault(code string) {
	if r.metrics != nil {
		r.metrics.IncGuardReject(code, "reindex")
	}
	r.logf("soft fault: %s", code)
}

func (r *Reindexer) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("reindex: "+format, args...)
	}
}

func watermarkFor(path string) (snapshot.Watermark, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot.Watermark{}, err
	}
	return snapshot.Watermark{TriageBytes: info.Size(), TriageInode: inodeOf(info)}, nil
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
