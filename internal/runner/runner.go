package runner

import (
	"context"
	"errors"
	"log"
	"sync"

	"researchgo/internal/agent"
	"researchgo/internal/models"
	"researchgo/internal/session"
)

// ErrRunInFlight signals a second start while a session's loop is running.
var ErrRunInFlight = errors.New("research already running for this session")

// LoopFactory builds a fresh loop per run so credentials resolved after
// startup are picked up without a restart.
type LoopFactory func(ctx context.Context) *agent.Loop

// Runner drives research runs, one at a time per session. It keeps the last
// run's transcript in memory for re-display and persists only the session
// slot (topic, status, report).
type Runner struct {
	sessions *session.Service
	newLoop  LoopFactory

	mu    sync.Mutex
	slots map[int64]*runSlot
}

type runSlot struct {
	mu         sync.Mutex
	running    bool
	transcript []*models.Message
}

func New(sessions *session.Service, factory LoopFactory) *Runner {
	return &Runner{
		sessions: sessions,
		newLoop:  factory,
		slots:    make(map[int64]*runSlot),
	}
}

func (r *Runner) slot(sessionID int64) *runSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[sessionID]
	if !ok {
		s = &runSlot{}
		r.slots[sessionID] = s
	}
	return s
}

// Research executes one loop for the session, streaming step events through
// emit. A run already in flight for the same session is rejected.
func (r *Runner) Research(ctx context.Context, sessionID int64, topic string, emit agent.EmitFunc) (*agent.RunResult, error) {
	s := r.slot(sessionID)
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInFlight
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := r.sessions.SaveRun(ctx, sessionID, topic, models.StatusRunning, ""); err != nil {
		return nil, err
	}

	res, err := r.newLoop(ctx).Run(ctx, topic, emit)
	if err != nil {
		// the request context may already be gone; persist with a fresh one
		if saveErr := r.sessions.SaveRun(context.Background(), sessionID, topic, models.StatusFailed, ""); saveErr != nil {
			log.Printf("save aborted run for session %d: %v", sessionID, saveErr)
		}
		return nil, err
	}

	for _, msg := range res.Transcript {
		msg.SessionID = sessionID
	}
	s.mu.Lock()
	s.transcript = res.Transcript
	s.mu.Unlock()

	status := models.StatusDone
	if res.Failed {
		status = models.StatusFailed
	}
	if err := r.sessions.SaveRun(context.Background(), sessionID, topic, status, res.Final.Content); err != nil {
		log.Printf("save run for session %d: %v", sessionID, err)
	}
	return res, nil
}

// Busy reports whether a run is currently in flight for the session.
func (r *Runner) Busy(sessionID int64) bool {
	s := r.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Transcript returns a copy of the session's last run transcript.
func (r *Runner) Transcript(sessionID int64) []*models.Message {
	s := r.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Purge drops the cached transcript for a session.
func (r *Runner) Purge(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, sessionID)
}
