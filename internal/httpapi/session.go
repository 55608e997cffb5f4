package httpapi

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/registry"
)

// Stream close codes. WebSocket sends them on the wire; SSE ends the
// response body and the code is informational only.
const (
	closeNormal       = 1000 // task terminal, clean close
	closeGoingAway    = 1001 // idle timeout or peer gone
	closeInternal     = 1011 // start or store failure
	closeTaskNotFound = 4404 // unknown task id
)

const keepAliveInterval = 15 * time.Second

// streamTransport is the wire half of a stream session. Implementations
// deliver frames and keepalives from the session goroutine only; Activity
// and PeerGone may be nil for transports without an inbound side.
type streamTransport interface {
	Name() string
	WriteFrame(f models.Frame) error
	KeepAlive() error
	CloseStatus(code int, reason string)
	Activity() <-chan struct{}
	PeerGone() <-chan struct{}
}

// runStreamSession drives one client connection through the push protocol:
// task lookup, subscribe, optional auto-start, connected frame, optional
// tail replay, then the event/state loop until a terminal status, idle
// timeout, or the peer leaves. replayFrom < 0 means no replay; otherwise
// buffered events with id > replayFrom are re-sent before going live.
func (s *Server) runStreamSession(r *http.Request, tr streamTransport, taskID string, replayFrom int64) {
	metrics.StreamSessionsActive.WithLabelValues(tr.Name()).Inc()
	defer metrics.StreamSessionsActive.WithLabelValues(tr.Name()).Dec()

	task, err := s.store.FetchTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			tr.WriteFrame(models.NewErrorFrame("task not found"))
			tr.CloseStatus(closeTaskNotFound, "task not found")
			return
		}
		s.logger.Error("Stream task lookup failed", zap.String("task_id", taskID), zap.Error(err))
		tr.WriteFrame(models.NewErrorFrame("failed to load task"))
		tr.CloseStatus(closeInternal, "store error")
		return
	}

	// Subscribe before starting so the first events cannot slip past; the
	// session itself never re-sends except for an explicit replayFrom.
	ch := s.registry.Subscribe(taskID)
	defer s.registry.Unsubscribe(taskID, ch)

	if !s.registry.IsRunning(taskID) && !task.Status.Terminal() {
		err := s.registry.Start(taskID, task.InputPrompt, nil)
		if err != nil && !errors.Is(err, registry.ErrAlreadyRunning) {
			s.logger.Error("Stream auto-start failed", zap.String("task_id", taskID), zap.Error(err))
			tr.WriteFrame(models.NewErrorFrame("failed to start task: " + err.Error()))
			tr.CloseStatus(closeInternal, "start failed")
			return
		}
	}

	if err := tr.WriteFrame(models.NewConnectedFrame(taskID, "Connected to task "+taskID)); err != nil {
		return
	}

	sess := &session{
		server:        s,
		taskID:        taskID,
		writer:        tr,
		events:        ch,
		lastActive:    time.Now(),
		lastKeepAlive: time.Now(),
	}

	if replayFrom >= 0 {
		for _, evt := range s.registry.EventsSince(taskID, replayFrom) {
			if err := sess.sendEvent(evt); err != nil {
				return
			}
		}
	}

	// A task that already finished streams nothing live: report its final
	// state and close cleanly.
	if task.Status.Terminal() && !s.registry.IsRunning(taskID) {
		sess.sendState(stateFromTask(task))
		tr.CloseStatus(closeNormal, "task terminal")
		return
	}

	sess.loop(r)
}

// session holds the per-connection protocol state.
type session struct {
	server *Server
	taskID string
	writer streamTransport
	events chan models.Event

	lastSent      int64 // highest event id written to this client
	lastState     models.TaskState
	lastActive    time.Time
	lastKeepAlive time.Time
}

func (ss *session) loop(r *http.Request) {
	ticker := time.NewTicker(ss.server.statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ss.events:
			if !ok {
				return
			}
			if evt.EventID <= ss.lastSent {
				continue
			}
			if err := ss.sendEvent(evt); err != nil {
				return
			}
			if evt.Terminal() {
				ss.finish(r, evt)
				return
			}

		case <-ticker.C:
			state, err := ss.server.currentState(r, ss.taskID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					ss.writer.WriteFrame(models.NewErrorFrame("task deleted"))
					ss.writer.CloseStatus(closeTaskNotFound, "task deleted")
					return
				}
				continue // transient; retry next tick
			}
			if state.Status.Terminal() {
				// The terminal event may still be queued (or was dropped for
				// this subscriber); flush before the final state frame so no
				// client sees the terminal state ahead of its event.
				ss.flushBuffered()
				if err := ss.sendState(state); err != nil {
					return
				}
				ss.drain()
				ss.writer.CloseStatus(closeNormal, "task terminal")
				return
			}
			if state.ChangedFrom(ss.lastState) {
				if err := ss.sendState(state); err != nil {
					return
				}
			}
			if time.Since(ss.lastActive) > ss.server.idleTimeout {
				ss.writer.CloseStatus(closeGoingAway, "idle timeout")
				return
			}
			if time.Since(ss.lastKeepAlive) >= keepAliveInterval {
				if err := ss.writer.KeepAlive(); err != nil {
					return
				}
				ss.lastKeepAlive = time.Now()
			}

		// Nil channels block forever, so transports without an inbound side
		// simply never fire these cases.
		case <-ss.writer.Activity():
			ss.lastActive = time.Now()

		case <-ss.writer.PeerGone():
			return

		case <-r.Context().Done():
			return
		}
	}
}

// finish completes the protocol after a terminal event frame: one final
// state frame, a short drain for anything still queued, then a clean close.
func (ss *session) finish(r *http.Request, terminal models.Event) {
	state := ss.awaitTerminalState(r, terminal)
	if err := ss.sendState(state); err != nil {
		return
	}
	ss.drain()
	ss.writer.CloseStatus(closeNormal, "task terminal")
}

// awaitTerminalState polls until the snapshot reflects the terminal status;
// the worker flips state right after emitting the terminal event, so this
// returns almost immediately. The drain grace bounds the wait.
func (ss *session) awaitTerminalState(r *http.Request, terminal models.Event) models.TaskState {
	deadline := time.Now().Add(ss.server.drainGrace)
	for {
		state, err := ss.server.currentState(r, ss.taskID)
		if err == nil && state.Status.Terminal() {
			return state
		}
		if time.Now().After(deadline) {
			if err != nil {
				state = ss.lastState
			}
			return synthesizeTerminal(terminal, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// synthesizeTerminal derives the final state from the terminal event when
// the snapshot has not caught up in time.
func synthesizeTerminal(evt models.Event, state models.TaskState) models.TaskState {
	state.TaskID = evt.TaskID
	switch evt.Kind {
	case models.EventKindResult:
		state.Status = models.TaskStatusSucceeded
		state.Progress = 1.0
		if p, ok := evt.Payload.(models.ResultPayload); ok {
			state.Result = p.Result
		}
	case models.EventKindError:
		if p, ok := evt.Payload.(models.ErrorPayload); ok && p.Message == "cancelled" {
			state.Status = models.TaskStatusCancelled
		} else {
			state.Status = models.TaskStatusFailed
		}
	}
	return state
}

// flushBuffered forwards everything already queued without blocking.
func (ss *session) flushBuffered() {
	for {
		select {
		case evt, ok := <-ss.events:
			if !ok {
				return
			}
			if evt.EventID <= ss.lastSent {
				continue
			}
			if ss.sendEvent(evt) != nil {
				return
			}
		default:
			return
		}
	}
}

// drain keeps forwarding events for the grace window so late queue arrivals
// still reach the client before the close.
func (ss *session) drain() {
	timer := time.NewTimer(ss.server.drainGrace)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-ss.events:
			if !ok {
				return
			}
			if evt.EventID <= ss.lastSent {
				continue
			}
			if ss.sendEvent(evt) != nil {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func (ss *session) sendEvent(evt models.Event) error {
	if err := ss.writer.WriteFrame(models.NewEventFrame(evt)); err != nil {
		return err
	}
	ss.lastSent = evt.EventID
	ss.lastActive = time.Now()
	return nil
}

func (ss *session) sendState(state models.TaskState) error {
	if err := ss.writer.WriteFrame(models.NewStateFrame(state)); err != nil {
		return err
	}
	ss.lastState = state
	ss.lastActive = time.Now()
	return nil
}

