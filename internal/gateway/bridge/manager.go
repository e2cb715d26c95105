// Package bridge runs the locally-hosted messaging backend. Each endpoint is
// served by its own helper process that keeps a paired device session in a
// per-endpoint directory and talks to Chatyard over a local WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
)

// Frame types exchanged with the helper.
const (
	frameStart        = "start"
	frameShutdown     = "shutdown"
	frameSend         = "send"
	frameSent         = "sent"
	frameError        = "error"
	frameQR           = "qr"
	frameReady        = "ready"
	frameDisconnected = "disconnected"
	frameMessage      = "message"
	frameStatus       = "status"
)

type frame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Token      string          `json:"token,omitempty"`
	Code       string          `json:"code,omitempty"`
	To         string          `json:"to,omitempty"`
	Text       string          `json:"text,omitempty"`
	Media      *mediaFrame     `json:"media,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type mediaFrame struct {
	Kind     string `json:"kind,omitempty"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// StatusFunc records an endpoint connection status change.
type StatusFunc func(ctx context.Context, endpointID, status string) error

// SinkFunc receives helper traffic as a gateway webhook.
type SinkFunc func(ctx context.Context, wh gateway.Webhook) error

// SessionInfo describes a live session for admin listings.
type SessionInfo struct {
	EndpointID  string `json:"endpoint_id"`
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	Status      string `json:"status"`
	PairingCode string `json:"pairing_code,omitempty"`
}

type session struct {
	endpointID string
	dir        string
	port       int

	// cancelDial aborts a start that is still waiting for the helper.
	cancelDial context.CancelFunc

	writeMu sync.Mutex

	// proc and conn stay nil until the helper accepted the socket.
	proc Process
	conn *websocket.Conn

	mu      sync.Mutex
	status  string
	pairing string
	waiters map[string]chan frame

	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) connected() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) write(f frame) error {
	conn := s.connected()
	if conn == nil {
		return fmt.Errorf("bridge: session %s is not connected yet: %w", s.endpointID, errs.ErrProviderError)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := SessionInfo{EndpointID: s.endpointID, Port: s.port, Status: s.status, PairingCode: s.pairing}
	if s.proc != nil {
		si.PID = s.proc.Pid()
	}
	return si
}

// Manager owns the helper sessions and implements gateway.Provider for
// bridge endpoints.
type Manager struct {
	cfg      config.BridgeConfig
	mediaDir string
	spawner  Spawner
	onStatus StatusFunc
	inbound  SinkFunc
	statuses SinkFunc

	// Seams for process control and dialing.
	signal      func(pid int, sig syscall.Signal) error
	pkill       func(pattern string) error
	dialURL     func(port int) string
	dialTimeout time.Duration
	sendTimeout time.Duration
	killGrace   time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner replaces the os/exec helper spawner.
func WithSpawner(s Spawner) Option { return func(m *Manager) { m.spawner = s } }

// WithStatusFunc sets the connection status callback.
func WithStatusFunc(f StatusFunc) Option { return func(m *Manager) { m.onStatus = f } }

// WithSinks sets where inbound messages and delivery reports are handed off.
func WithSinks(inbound, statuses SinkFunc) Option {
	return func(m *Manager) {
		m.inbound = inbound
		m.statuses = statuses
	}
}

// WithMediaDir sets the directory inbound attachments are copied into.
func WithMediaDir(dir string) Option { return func(m *Manager) { m.mediaDir = dir } }

// NewManager returns a Manager for the given bridge configuration.
func NewManager(cfg config.BridgeConfig, opts ...Option) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		mediaDir:    "media",
		spawner:     &ExecSpawner{Binary: cfg.HelperCmd, Args: cfg.HelperArgs},
		signal:      syscall.Kill,
		pkill:       runPkill,
		dialURL:     func(port int) string { return fmt.Sprintf("ws://127.0.0.1:%d/ws", port) },
		dialTimeout: 15 * time.Second,
		sendTimeout: 30 * time.Second,
		killGrace:   3 * time.Second,
		base:        base,
		cancel:      cancel,
		sessions:    make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func runPkill(pattern string) error {
	err := exec.Command("pkill", "-f", pattern).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return nil // nothing matched
	}
	return err
}

func (m *Manager) sessionDir(endpointID string) string {
	return filepath.Join(m.cfg.SessionDir, endpointID)
}

// CanOpen reports whether another session fits under max_sessions.
func (m *Manager) CanOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canOpenLocked()
}

func (m *Manager) canOpenLocked() bool {
	return m.cfg.MaxSessions <= 0 || len(m.sessions) < m.cfg.MaxSessions
}

func (m *Manager) freePortLocked() int {
	used := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		used[s.port] = true
	}
	port := m.cfg.BasePort
	for used[port] {
		port++
	}
	return port
}

// Sessions lists live sessions ordered by endpoint.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

func (m *Manager) lookup(endpointID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[endpointID]
}

// Open starts (or resumes) the session for endpointID. Opening a session
// that is already live is a no-op.
func (m *Manager) Open(ctx context.Context, endpointID string) error {
	if err := validEndpointID(endpointID); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[endpointID]; ok {
		m.mu.Unlock()
		return nil
	}
	if !m.canOpenLocked() {
		m.mu.Unlock()
		return fmt.Errorf("bridge: open %s: %d sessions already open: %w", endpointID, m.cfg.MaxSessions, errs.ErrCapacityExceeded)
	}
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	s := &session{
		endpointID: endpointID,
		dir:        m.sessionDir(endpointID),
		port:       m.freePortLocked(),
		cancelDial: cancelDial,
		status:     models.ConnConnecting,
		waiters:    make(map[string]chan frame),
		done:       make(chan struct{}),
	}
	m.sessions[endpointID] = s
	m.mu.Unlock()

	m.notify(endpointID, models.ConnConnecting)
	if err := m.start(dialCtx, s); err != nil {
		m.mu.Lock()
		if m.sessions[endpointID] == s {
			delete(m.sessions, endpointID)
		}
		m.mu.Unlock()
		select {
		case <-s.done:
			// Closed by an admin while connecting; detach already reported it.
			return fmt.Errorf("bridge: open %s: session closed while connecting: %w", endpointID, errs.ErrProviderError)
		default:
		}
		m.notify(endpointID, models.ConnError)
		return err
	}
	return nil
}

func (m *Manager) start(ctx context.Context, s *session) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("bridge: create session dir: %w", err)
	}
	if err := m.killStale(s.dir); err != nil {
		log.Printf("bridge: kill stale helper for %s: %v", s.endpointID, err)
	}
	state, err := loadState(s.dir)
	if err != nil {
		return err
	}

	// The helper outlives the request that opened it.
	proc, err := m.spawner.Spawn(m.base, HelperSpec{EndpointID: s.endpointID, SessionDir: s.dir, Port: s.port})
	if err != nil {
		return err
	}
	if err := writePID(s.dir, proc.Pid()); err != nil {
		proc.Close()
		return err
	}

	conn, err := m.dial(ctx, s.port, proc)
	if err != nil {
		proc.Close()
		removePID(s.dir)
		return err
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close()
		proc.Close()
		removePID(s.dir)
		return fmt.Errorf("bridge: session %s closed while connecting: %w", s.endpointID, errs.ErrProviderError)
	default:
	}
	s.proc = proc
	s.conn = conn
	s.mu.Unlock()

	start := frame{Type: frameStart}
	if state != nil {
		start.Token = state.Token
	}
	if err := s.write(start); err != nil {
		conn.Close()
		proc.Close()
		removePID(s.dir)
		return fmt.Errorf("bridge: start session %s: %w", s.endpointID, err)
	}

	go m.readLoop(s, conn)
	go func() {
		select {
		case <-proc.Done():
			conn.Close()
		case <-s.done:
		}
	}()
	return nil
}

// dial retries until the helper is listening, the helper exits or the
// dial timeout passes.
func (m *Manager) dial(ctx context.Context, port int, proc Process) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	url := m.dialURL(port)
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bridge: dial helper at %s: %v: %w", url, err, errs.ErrProviderError)
		case <-proc.Done():
			return nil, fmt.Errorf("bridge: helper exited before listening on port %d: %w", port, errs.ErrProviderError)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (m *Manager) readLoop(s *session, conn *websocket.Conn) {
	defer m.detach(s)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("bridge: %s: read: %v", s.endpointID, err)
			}
			return
		}
		m.handleFrame(s, f)
	}
}

func (m *Manager) handleFrame(s *session, f frame) {
	switch f.Type {
	case frameQR:
		s.mu.Lock()
		s.pairing = f.Code
		s.mu.Unlock()
		m.setStatus(s, models.ConnAwaitingPairing)
	case frameReady:
		if f.Token != "" {
			if err := saveState(s.dir, SessionState{Token: f.Token, PairedAt: time.Now().UTC()}); err != nil {
				log.Printf("bridge: %s: %v", s.endpointID, err)
			}
		}
		s.mu.Lock()
		s.pairing = ""
		s.mu.Unlock()
		m.setStatus(s, models.ConnConnected)
	case frameDisconnected:
		m.setStatus(s, models.ConnDisconnected)
	case frameMessage:
		m.hand(s, m.inbound, f.Data)
	case frameStatus:
		m.hand(s, m.statuses, f.Data)
	case frameSent, frameError:
		s.mu.Lock()
		ch, ok := s.waiters[f.ID]
		delete(s.waiters, f.ID)
		s.mu.Unlock()
		if ok {
			ch <- f
		} else if f.Type == frameError {
			log.Printf("bridge: %s: helper error: %s", s.endpointID, f.Error)
		}
	default:
		log.Printf("bridge: %s: unknown frame type %q", s.endpointID, f.Type)
	}
}

func (m *Manager) hand(s *session, sink SinkFunc, data json.RawMessage) {
	if sink == nil || len(data) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(m.base, 30*time.Second)
	defer cancel()
	wh := gateway.Webhook{EndpointID: s.endpointID, ContentType: "application/json", Body: data}
	if err := sink(ctx, wh); err != nil {
		log.Printf("bridge: %s: hand off: %v", s.endpointID, err)
	}
}

func (m *Manager) setStatus(s *session, status string) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		m.notify(s.endpointID, status)
	}
}

func (m *Manager) notify(endpointID, status string) {
	if m.onStatus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.base, 10*time.Second)
	defer cancel()
	if err := m.onStatus(ctx, endpointID, status); err != nil {
		log.Printf("bridge: %s: record status %s: %v", endpointID, status, err)
	}
}

// detach tears a session down once, whichever side ended it.
func (m *Manager) detach(s *session) {
	s.doneOnce.Do(func() {
		if s.cancelDial != nil {
			s.cancelDial()
		}
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		m.mu.Lock()
		if m.sessions[s.endpointID] == s {
			delete(m.sessions, s.endpointID)
		}
		m.mu.Unlock()

		s.mu.Lock()
		for id, ch := range s.waiters {
			close(ch)
			delete(s.waiters, id)
		}
		proc, conn := s.proc, s.conn
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if proc != nil {
			proc.Close()
		}
		removePID(s.dir)
		m.notify(s.endpointID, models.ConnDisconnected)
	})
}

// request sends a frame and waits for the helper's sent/error reply.
func (m *Manager) request(ctx context.Context, endpointID string, f frame) (frame, error) {
	s := m.lookup(endpointID)
	if s == nil {
		return frame{}, fmt.Errorf("bridge: no session for %s: %w", endpointID, errs.ErrProviderError)
	}
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)
	s.mu.Lock()
	s.waiters[f.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, f.ID)
		s.mu.Unlock()
	}()

	if err := s.write(f); err != nil {
		return frame{}, fmt.Errorf("bridge: write to %s: %v: %w", endpointID, err, errs.ErrProviderError)
	}

	timer := time.NewTimer(m.sendTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("bridge: session %s closed: %w", endpointID, errs.ErrProviderError)
		}
		if reply.Type == frameError {
			return frame{}, fmt.Errorf("bridge: %s: %s: %w", endpointID, reply.Error, errs.ErrProviderError)
		}
		return reply, nil
	case <-timer.C:
		return frame{}, fmt.Errorf("bridge: %s: no reply from helper: %w", endpointID, errs.ErrProviderError)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// CloseSession stops the helper for endpointID. The paired session is kept
// on disk so Restore can resume it.
func (m *Manager) CloseSession(ctx context.Context, endpointID string) error {
	s := m.lookup(endpointID)
	if s == nil {
		return fmt.Errorf("bridge: session %s: %w", endpointID, errs.ErrNotFound)
	}
	// A session still dialing has no socket; detach cancels the dial.
	if s.connected() != nil {
		if err := s.write(frame{Type: frameShutdown}); err != nil {
			log.Printf("bridge: %s: shutdown frame: %v", endpointID, err)
		}
	}
	m.detach(s)
	return nil
}

// Logout closes the session and forgets the pairing.
func (m *Manager) Logout(ctx context.Context, endpointID string) error {
	if err := validEndpointID(endpointID); err != nil {
		return err
	}
	if err := m.CloseSession(ctx, endpointID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return removeState(m.sessionDir(endpointID))
}

// CloseAll stops every session and returns how many were closed.
func (m *Manager) CloseAll(ctx context.Context) int {
	n := 0
	for _, si := range m.Sessions() {
		if err := m.CloseSession(ctx, si.EndpointID); err == nil {
			n++
		}
	}
	return n
}

// Shutdown closes all sessions and kills anything still attached to the
// manager's lifetime.
func (m *Manager) Shutdown(ctx context.Context) {
	m.CloseAll(ctx)
	m.cancel()
}

// ForceKill closes the session if live and kills any helper process left
// behind for endpointID, including ones from a previous run.
func (m *Manager) ForceKill(ctx context.Context, endpointID string) error {
	if err := validEndpointID(endpointID); err != nil {
		return err
	}
	if s := m.lookup(endpointID); s != nil {
		m.detach(s)
	}
	return m.killStale(m.sessionDir(endpointID))
}

// killStale terminates the helper recorded in dir's pid file, then sweeps
// for strays started against the same session directory.
func (m *Manager) killStale(dir string) error {
	var errList []error
	if pid := readPID(dir); pid > 0 && m.signal(pid, 0) == nil {
		if err := m.signal(-pid, syscall.SIGTERM); err != nil {
			m.signal(pid, syscall.SIGTERM)
		}
		deadline := time.Now().Add(m.killGrace)
		for m.signal(pid, 0) == nil {
			if time.Now().After(deadline) {
				if err := m.signal(-pid, syscall.SIGKILL); err != nil {
					errList = append(errList, fmt.Errorf("bridge: kill %d: %w", pid, err))
				}
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	removePID(dir)
	if m.pkill != nil {
		if err := m.pkill(dir); err != nil {
			errList = append(errList, fmt.Errorf("bridge: pkill %s: %w", dir, err))
		}
	}
	return errors.Join(errList...)
}

// Restore reopens sessions for the given bridge endpoints that have a
// persisted pairing. It returns how many were reopened.
func (m *Manager) Restore(ctx context.Context, endpointIDs []string) int {
	n := 0
	for _, id := range endpointIDs {
		if validEndpointID(id) != nil {
			continue
		}
		state, err := loadState(m.sessionDir(id))
		if err != nil {
			log.Printf("bridge: restore %s: %v", id, err)
			continue
		}
		if state == nil || state.Token == "" {
			continue
		}
		if err := m.Open(ctx, id); err != nil {
			log.Printf("bridge: restore %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}
