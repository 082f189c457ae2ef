package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/contextwindow"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/telemetry"
	"github.com/loomhq/loom/pkg/tools"
)

// ManagerConfig assembles the shared collaborators every engine uses.
type ManagerConfig struct {
	Store       store.Store
	Bus         *bus.Bus
	Telemetry   *telemetry.Emitter
	Transport   llm.Transport
	Dispatcher  *tools.Dispatcher
	Permissions *permissions.Manager
	Window      *contextwindow.Builder
	Prompter    Prompter
	Logger      *slog.Logger
}

// Manager supervises one engine per live session. It is the only place
// engines are created, found, and stopped; all methods are safe for
// concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		engines: make(map[string]*Engine),
	}
}

// StartSession creates a new session, or resumes an existing one when
// req.SessionID names a persisted session. Starting an already-running
// session returns its live engine unchanged.
func (m *Manager) StartSession(ctx context.Context, req models.CreateSessionRequest) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.SessionID != "" {
		if eng, ok := m.engines[req.SessionID]; ok && !eng.Stopped() {
			return eng, nil
		}
	}

	session, messages, err := m.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	// A resumed session always wakes up idle, whatever state the
	// previous process died in.
	if session.Status != models.StatusIdle {
		session.Status = models.StatusIdle
		if err := m.cfg.Store.UpdateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to reset session status: %w", err)
		}
	}

	eng := New(Config{
		Session:     session,
		Messages:    messages,
		Store:       m.cfg.Store,
		Bus:         m.cfg.Bus,
		Telemetry:   m.cfg.Telemetry,
		Transport:   m.cfg.Transport,
		Dispatcher:  m.cfg.Dispatcher,
		Permissions: m.cfg.Permissions,
		Window:      m.cfg.Window,
		Prompter:    m.cfg.Prompter,
		Logger:      m.cfg.Logger,
	})
	m.engines[session.ID] = eng
	m.cfg.Logger.Info("session started",
		"session_id", session.ID,
		"model", session.ModelSpec,
		"resumed", len(messages) > 0)
	return eng, nil
}

func (m *Manager) loadOrCreate(ctx context.Context, req models.CreateSessionRequest) (*models.Session, []models.Message, error) {
	if req.SessionID != "" {
		session, err := m.cfg.Store.GetSession(ctx, req.SessionID)
		switch {
		case err == nil:
			messages, err := m.cfg.Store.LoadMessages(ctx, session.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load history for session %s: %w", session.ID, err)
			}
			return session, messages, nil
		case errors.Is(err, store.ErrNotFound):
			// fall through to create with the requested ID
		default:
			return nil, nil, fmt.Errorf("failed to look up session %s: %w", req.SessionID, err)
		}
	}

	session, err := m.cfg.Store.CreateSession(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil, nil
}

// StopSession stops the session's engine and discards its permission
// grants. Stopping an unknown or already-stopped session is a no-op.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	m.mu.Lock()
	eng, ok := m.engines[id]
	if ok {
		delete(m.engines, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	eng.Stop()

	if err := m.cfg.Store.DeleteGrants(ctx, id); err != nil {
		return fmt.Errorf("failed to delete grants for session %s: %w", id, err)
	}
	m.cfg.Logger.Info("session stopped", "session_id", id)
	return nil
}

// FindSession returns the live engine for id, if any.
func (m *Manager) FindSession(id string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[id]
	if ok && eng.Stopped() {
		delete(m.engines, id)
		return nil, false
	}
	return eng, ok
}

// ActiveSession describes one live session.
type ActiveSession struct {
	ID     string
	Engine *Engine
	Status models.SessionStatus
}

// ListActive returns all live sessions with their current status.
func (m *Manager) ListActive() []ActiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make([]ActiveSession, 0, len(m.engines))
	for id, eng := range m.engines {
		if eng.Stopped() {
			delete(m.engines, id)
			continue
		}
		active = append(active, ActiveSession{ID: id, Engine: eng, Status: eng.GetStatus()})
	}
	return active
}

// Shutdown stops every live engine. Grants are kept so sessions can be
// resumed by the next process.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, eng := range engines {
		eng.Stop()
	}
}
