package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaychat/models"
)

// Directory is the account and group store.
type Directory interface {
	CreateUser(ctx context.Context, username, passwordHash, email string) (int64, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UpdateLastSeen(ctx context.Context, userID int64, t time.Time) error
	CreateGroup(ctx context.Context, name string, creatorID int64) (*models.Group, error)
	AddGroupMember(ctx context.Context, groupID, userID int64) error
	GroupByID(ctx context.Context, id int64) (*models.Group, error)
	UserGroups(ctx context.Context, userID int64) ([]models.Group, error)
	GroupMemberNames(ctx context.Context, groupID int64) ([]string, error)
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error)
	RenameGroup(ctx context.Context, groupID int64, name string) error
}

// Archive persists and replays message content; implemented by store.Pipeline.
type Archive interface {
	Save(ctx context.Context, m models.Message) (int64, error)
	History(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error)
	GroupHistory(ctx context.Context, groupID int64, limit int) ([]models.Message, error)
	BroadcastHistory(ctx context.Context, limit int) ([]models.Message, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

type FileStore interface {
	Save(data, fileName string) (string, error)
	Remove(path string) error
}

type Dependencies struct {
	Directory Directory
	Archive   Archive
	Passwords PasswordHasher
	Files     FileStore
}

type ServerConfig struct {
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	SendQueueSize       int
	MaxLineBytes        int
	BroadcastEnabled    bool
	PersistBroadcast    bool
	HistoryDefaultLimit int
	HistoryMaxLimit     int
}

const requestTimeout = 10 * time.Second

type Server struct {
	config    *ServerConfig
	dir       Directory
	archive   Archive
	passwords PasswordHasher
	files     FileStore
	registry  *Registry
	metrics   *Metrics

	// presenceMu orders USER_JOINED and USER_LEFT: the first/last-connection
	// check and the enqueue of the event happen under it together.
	presenceMu sync.Mutex

	mu        sync.Mutex
	listeners []net.Listener
	conns     sync.WaitGroup
	closing   atomic.Bool
}

func New(deps Dependencies, config *ServerConfig) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = 16 << 20
	}
	if config.HistoryDefaultLimit <= 0 {
		config.HistoryDefaultLimit = 50
	}
	if config.HistoryMaxLimit < config.HistoryDefaultLimit {
		config.HistoryMaxLimit = config.HistoryDefaultLimit
	}

	return &Server{
		config:    config,
		dir:       deps.Directory,
		archive:   deps.Archive,
		passwords: deps.Passwords,
		files:     deps.Files,
		registry:  NewRegistry(),
		metrics:   NewMetrics(),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start listens on the configured TCP port and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	log.Printf("Chat server started on port %d", s.config.Port)
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	if !s.trackListener(listener) {
		listener.Close()
		return nil
	}
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

func (s *Server) handleConnection(conn net.Conn) {
	s.serve(newLineTransport(conn, s.config.ReadTimeout, s.config.MaxLineBytes))
}

// serve owns one connection from accept to teardown.
func (s *Server) serve(t Transport) {
	c := newConn(t, s.config.SendQueueSize, s.config.WriteTimeout)
	remoteAddr := c.RemoteAddr()

	// Registration and the closing check share s.mu with Shutdown, so a
	// connection is either refused or seen by CloseAll.
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.conns.Add(1)
	s.registry.Register(c)
	s.mu.Unlock()
	defer s.conns.Done()

	s.metrics.connections.Inc()
	log.Printf("New client connected from %s (conn %s)", remoteAddr, c.ID())

	go c.writeLoop()
	defer s.teardown(c)

	for {
		line, err := t.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.Closed() {
				if errors.Is(err, errLineTooLong) {
					s.sendError(c, "Message too large")
				}
				debugLog.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if !s.dispatch(c, line) {
			return
		}
	}
}

// teardown runs once per connection when its reader exits.
func (s *Server) teardown(c *Conn) {
	s.presenceMu.Lock()
	removed, userGone := s.registry.Unregister(c)
	p, authenticated := c.Principal()
	if removed && authenticated && userGone {
		s.deliver(s.registry.AuthenticatedExcept(c), presence(userLeft, p.Username))
	}
	s.presenceMu.Unlock()

	if removed {
		s.metrics.connections.Dec()
		if authenticated {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			if err := s.dir.UpdateLastSeen(ctx, p.UserID, time.Now().UTC()); err != nil {
				errorLog.Printf("Failed to update last_seen for %s: %v", p.Username, err)
			}
			cancel()
			log.Printf("Client %s disconnected from %s", p.Username, c.RemoteAddr())
		} else {
			log.Printf("Client disconnected from %s", c.RemoteAddr())
		}
	}

	c.Close()
	<-c.writerDone
}

// Shutdown stops accepting, tells every client why, closes all connections
// and waits up to timeout for their teardown to finish.
func (s *Server) Shutdown(reason string, timeout time.Duration) {
	s.mu.Lock()
	s.closing.Store(true)
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	notice := "Server is shutting down"
	if reason != "" {
		notice += ": " + reason
	}
	s.deliver(s.registry.Snapshot(), errorReply(notice))
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errorLog.Printf("Shutdown timed out with %d connections still open", s.registry.Count())
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	online := s.registry.OnlineUsernames()
	return "connections=" + strconv.Itoa(s.registry.Count()) +
		",online=" + strconv.Itoa(len(online)) +
		",users=" + strings.Join(online, ";")
}
