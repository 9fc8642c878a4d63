// Package hub holds the server's shared state: the registry of authenticated
// sessions and the registry of file transfers. Both live behind a single mutex
// so that every protocol step that reads one and mutates the other is atomic.
package hub

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"lanchat/internal/protocol"
	"lanchat/pkg/logger"
)

var (
	ErrUsernameInvalid  = errors.New("hub: invalid username")
	ErrUsernameTaken    = errors.New("hub: username taken")
	ErrNotJoined        = errors.New("hub: session not joined")
	ErrUserOffline      = errors.New("hub: user offline")
	ErrSelfTarget       = errors.New("hub: target is sender")
	ErrTransferNotFound = errors.New("hub: transfer not found")
	ErrNotRecipient     = errors.New("hub: not the transfer recipient")
	ErrWrongStatus      = errors.New("hub: transfer in wrong status")
	ErrTransferBusy     = errors.New("hub: transfer already has a data connection")
	ErrTempFileMissing  = errors.New("hub: temp file missing")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,16}$`)

// ValidUsername reports whether name may be registered.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Peer is the outbound side of a command connection. Send must not block;
// it reports false when the line could not be queued.
type Peer interface {
	Send(line string) bool
}

type SessionID uint64

// Session is one authenticated command connection.
type Session struct {
	ID       SessionID
	Username string
	Joined   time.Time

	peer Peer
}

func (s *Session) send(line string) {
	if s != nil && s.peer != nil {
		s.peer.Send(line)
	}
}

type Config struct {
	UploadDir string
	// Port is announced in UPLOAD_PROCEED and DOWNLOAD_PROCEED.
	Port int
	// ChatEcho delivers a session's chat lines back to itself.
	ChatEcho bool
	Now      func() time.Time
}

type Hub struct {
	uploadDir string
	chatEcho  bool
	now       func() time.Time

	mu        sync.Mutex
	port      int
	nextID    SessionID
	sessions  map[SessionID]*Session
	byName    map[string]*Session
	transfers map[string]*Transfer
}

func New(cfg Config) (*Hub, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("hub: upload dir is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("hub: create upload dir: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		uploadDir: cfg.UploadDir,
		chatEcho:  cfg.ChatEcho,
		now:       now,
		port:      cfg.Port,
		sessions:  make(map[SessionID]*Session),
		byName:    make(map[string]*Session),
		transfers: make(map[string]*Transfer),
	}, nil
}

// SetPort updates the data port announced to clients, once the listener's
// real port is known.
func (h *Hub) SetPort(port int) {
	h.mu.Lock()
	h.port = port
	h.mu.Unlock()
}

func (h *Hub) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port
}

// Join registers username for peer. On success the new session receives
// AUTH_SUCCESS, every other session a join notice, and everyone the roster.
func (h *Hub) Join(username string, peer Peer) (*Session, error) {
	if !ValidUsername(username) {
		return nil, ErrUsernameInvalid
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.byName[username]; taken {
		return nil, ErrUsernameTaken
	}

	h.nextID++
	s := &Session{ID: h.nextID, Username: username, Joined: h.now(), peer: peer}
	h.sessions[s.ID] = s
	h.byName[username] = s

	logger.InfoWithUser(username, "session_joined", map[string]interface{}{
		"session_id": s.ID,
		"online":     len(h.sessions),
	})

	s.send(protocol.AuthSuccess(fmt.Sprintf("Добро пожаловать, %s!", username)))
	h.broadcastLocked(protocol.Event(h.now(), fmt.Sprintf("Пользователь %s вошёл в чат", username)), s.ID)
	h.broadcastLocked(protocol.UserList(h.usernamesLocked()), 0)
	return s, nil
}

// Leave removes s, cancels every transfer it takes part in and tells the
// remaining sessions. It reports false when s was already gone.
func (h *Hub) Leave(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s == nil || h.sessions[s.ID] != s {
		return false
	}
	delete(h.sessions, s.ID)
	delete(h.byName, s.Username)

	for _, t := range h.transfersOfLocked(s.ID) {
		other := t.sender
		if other == s.ID {
			other = t.recipient
		}
		if other != s.ID {
			h.sessions[other].send(protocol.ServerMsg(fmt.Sprintf(
				"Передача файла '%s' отменена, так как пользователь отключился.", t.Filename)))
		}
		h.dropLocked(t, StatusCancelled)
		logger.InfoWithUser(s.Username, "transfer_cancelled", map[string]interface{}{
			"transfer_id": t.ID,
			"reason":      "participant_left",
		})
	}

	logger.InfoWithUser(s.Username, "session_left", map[string]interface{}{
		"session_id": s.ID,
		"online":     len(h.sessions),
	})

	h.broadcastLocked(protocol.Event(h.now(), fmt.Sprintf("Пользователь %s вышел из чата", s.Username)), 0)
	h.broadcastLocked(protocol.UserList(h.usernamesLocked()), 0)
	return true
}

// Chat broadcasts a chat line from s.
func (h *Hub) Chat(s *Session, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ID] != s {
		return ErrNotJoined
	}
	exclude := s.ID
	if h.chatEcho {
		exclude = 0
	}
	h.broadcastLocked(protocol.Chat(h.now(), s.Username, text), exclude)
	return nil
}

// PrivateMessage delivers text to target only, echoing it back to s.
func (h *Hub) PrivateMessage(s *Session, target, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ID] != s {
		return ErrNotJoined
	}
	if target == s.Username {
		return ErrSelfTarget
	}
	to, ok := h.byName[target]
	if !ok {
		return ErrUserOffline
	}
	now := h.now()
	to.send(protocol.PrivateFrom(now, s.Username, text))
	s.send(protocol.PrivateTo(now, target, text))
	return nil
}

// Users returns the sorted usernames of all joined sessions.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usernamesLocked()
}

// SessionInfo is the public view of a joined session.
type SessionInfo struct {
	Username string    `json:"username"`
	Joined   time.Time `json:"joined"`
}

// Online returns every joined session sorted by username.
func (h *Hub) Online() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionInfo, 0, len(h.byName))
	for _, name := range h.usernamesLocked() {
		s := h.byName[name]
		out = append(out, SessionInfo{Username: s.Username, Joined: s.Joined})
	}
	return out
}

func (h *Hub) usernamesLocked() []string {
	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// broadcastLocked sends line to every session except exclude (0 excludes none).
func (h *Hub) broadcastLocked(line string, exclude SessionID) {
	for id, s := range h.sessions {
		if id != exclude {
			s.send(line)
		}
	}
}
