package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/cuemby/quarry/pkg/types"
)

// queryOutcome closes one execution round
type queryOutcome int

const (
	outcomeEnd queryOutcome = iota
	outcomeEjected
	outcomeError
	outcomeAbandoned
)

// executorLoop waits for assignments and runs them one at a time
func (w *Worker) executorLoop() {
	for {
		w.mu.Lock()
		for !w.hasQuery && !w.stopping {
			w.cond.Wait()
		}
		if w.stopping {
			w.mu.Unlock()
			return
		}
		ctx := w.current
		w.mu.Unlock()

		outcome := w.runQuery(ctx)

		switch outcome {
		case outcomeEnd:
			w.logger.Info().Uint32("query_id", ctx.QueryID).Msg("Query finished")
		case outcomeEjected:
			w.logger.Info().Uint32("query_id", ctx.QueryID).Msg("Query ejected")
		case outcomeError:
			w.logger.Warn().Uint32("query_id", ctx.QueryID).Msg("Query aborted")
		case outcomeAbandoned:
			w.logger.Warn().Uint32("query_id", ctx.QueryID).Msg("Query abandoned, master gone")
		}
	}
}

// runQuery is the fetch-decode-execute loop. The ejection flag is
// observed before every fetch and again after every instruction; those
// two checkpoints are the preemption boundary.
func (w *Worker) runQuery(ctx queryContext) queryOutcome {
	w.mem.BindQuery(ctx.QueryID)

	script, err := w.loadScript(ctx.RelativePath)
	if err != nil {
		w.logger.Error().Err(err).Str("path", ctx.RelativePath).Msg("Failed to load script")
		return w.failQuery(ctx)
	}

	pc := ctx.ProgramCounter
	for {
		if stop, outcome := w.checkpoint(ctx, pc); stop {
			return outcome
		}

		if int(pc) >= len(script) {
			w.logger.Error().
				Uint32("query_id", ctx.QueryID).
				Uint32("pc", pc).
				Msg("Program counter past end of script")
			return w.failQuery(ctx)
		}

		inst, err := Decode(script[pc])
		if err != nil {
			w.logger.Error().Err(err).Uint32("query_id", ctx.QueryID).Uint32("pc", pc).Msg("Bad instruction")
			return w.failQuery(ctx)
		}

		if inst.Kind == types.OpEnd {
			w.flushAll(ctx)
			w.mem.Reset()
			w.dropQuery(ctx)
			if err := w.sendToMaster(protocol.EndQuery{WorkerID: w.id, QueryID: ctx.QueryID}); err != nil {
				w.logger.Error().Err(err).Msg("Failed to report END_QUERY")
			}
			metrics.InstructionsTotal.WithLabelValues(string(types.OpEnd)).Inc()
			return outcomeEnd
		}

		if err := w.execute(ctx, inst); err != nil {
			w.logger.Error().
				Err(err).
				Uint32("query_id", ctx.QueryID).
				Str("instruction", inst.Raw).
				Msg("Instruction failed")
			return w.failQuery(ctx)
		}

		metrics.InstructionsTotal.WithLabelValues(string(inst.Kind)).Inc()
		w.logger.Info().
			Uint32("query_id", ctx.QueryID).
			Str("instruction", inst.Raw).
			Msg("Instruction executed")

		pc++
		w.mu.Lock()
		if w.hasQuery && w.current.QueryID == ctx.QueryID {
			w.current.ProgramCounter = pc
		}
		w.mu.Unlock()
	}
}

// checkpoint observes the ejection and abandonment flags. On ejection
// it flushes every dirty page and answers the master with the next
// unexecuted instruction index.
func (w *Worker) checkpoint(ctx queryContext, pc uint32) (bool, queryOutcome) {
	w.mu.Lock()
	ejected := w.ejectionRequested
	abandoned := w.abandonQuery || w.stopping
	w.mu.Unlock()

	if abandoned {
		w.flushAll(ctx)
		w.mem.Reset()
		w.dropQuery(ctx)
		return true, outcomeAbandoned
	}
	if !ejected {
		return false, 0
	}

	// Drop the assignment before answering: the master may send the
	// next ASSIGN_QUERY the moment it sees the EJECT_RES.
	w.flushAll(ctx)
	w.mem.Reset()
	w.dropQuery(ctx)
	if err := w.sendToMaster(protocol.EjectRes{QueryID: ctx.QueryID, ProgramCounter: pc}); err != nil {
		w.logger.Error().Err(err).Msg("Failed to report EJECT_RES")
	}
	return true, outcomeEjected
}

// dropQuery clears the assignment if it is still the one we ran
func (w *Worker) dropQuery(ctx queryContext) {
	w.mu.Lock()
	if w.hasQuery && w.current.QueryID == ctx.QueryID {
		w.hasQuery = false
	}
	w.mu.Unlock()
}

// failQuery flushes what it can and reports the terminal error. The
// END_QUERY opcode doubles as the unrecoverable-error notification.
func (w *Worker) failQuery(ctx queryContext) queryOutcome {
	w.flushAll(ctx)
	w.mem.Reset()
	w.dropQuery(ctx)
	if err := w.sendToMaster(protocol.EndQuery{WorkerID: w.id, QueryID: ctx.QueryID}); err != nil {
		w.logger.Error().Err(err).Msg("Failed to report query error")
		return outcomeAbandoned
	}
	return outcomeError
}

func (w *Worker) flushAll(ctx queryContext) {
	if err := w.mem.FlushAllDirty(); err != nil {
		w.logger.Error().Err(err).Uint32("query_id", ctx.QueryID).Msg("Dirty flush failed")
	}
}

// execute runs one non-END instruction
func (w *Worker) execute(ctx queryContext, inst *types.Instruction) error {
	switch inst.Kind {
	case types.OpCreate:
		return w.storage.Create(inst.File, inst.Tag)

	case types.OpTruncate:
		// Drop the mapping first so stale pages past the new size can
		// never be written back.
		if err := w.mem.RemoveMapping(inst.File, inst.Tag); err != nil {
			return err
		}
		return w.storage.Truncate(inst.File, inst.Tag, inst.Size)

	case types.OpWrite:
		return w.mem.Write(inst.File, inst.Tag, inst.Base, inst.Data)

	case types.OpRead:
		data, err := w.mem.Read(inst.File, inst.Tag, inst.Base, inst.Size)
		if err != nil {
			return err
		}
		return w.sendToMaster(protocol.ReadMsg{
			WorkerID: w.id,
			QueryID:  ctx.QueryID,
			Data:     data,
			File:     inst.File,
			Tag:      inst.Tag,
		})

	case types.OpTag:
		return w.storage.CreateTag(inst.File, inst.Tag, inst.DstFile, inst.DstTag)

	case types.OpCommit:
		// Committed tags reject writes, so dirty pages must reach
		// storage before the seal.
		if err := w.mem.Flush(inst.File, inst.Tag); err != nil {
			return err
		}
		return w.storage.Commit(inst.File, inst.Tag)

	case types.OpFlush:
		return w.mem.Flush(inst.File, inst.Tag)

	case types.OpDelete:
		if err := w.mem.RemoveMapping(inst.File, inst.Tag); err != nil {
			return err
		}
		return w.storage.Delete(inst.File, inst.Tag)

	default:
		return fmt.Errorf("unhandled operation %s", inst.Kind)
	}
}

// loadScript reads the query program and splits it into instructions,
// one per line, indexed from zero.
func (w *Worker) loadScript(relative string) ([]string, error) {
	path := filepath.Join(w.cfg.ScriptsPath, relative)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty script %s", relative)
	}
	return lines, nil
}
