package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relaychat/db"
	"relaychat/files"
	"relaychat/models"
	"relaychat/security"
	"relaychat/store"
)

const testPassword = "password123"

// countingDirectory records how often last-seen is written.
type countingDirectory struct {
	*db.DB
	lastSeenCalls atomic.Int32
}

func (d *countingDirectory) UpdateLastSeen(ctx context.Context, userID int64, t time.Time) error {
	d.lastSeenCalls.Add(1)
	return d.DB.UpdateLastSeen(ctx, userID, t)
}

var errArchiveDown = errors.New("archive unavailable")

// countingArchive records how many messages were handed to persistence.
// With failSaves set every Save fails without writing.
type countingArchive struct {
	*store.Pipeline
	saves     atomic.Int32
	failSaves atomic.Bool
}

func (a *countingArchive) Save(ctx context.Context, m models.Message) (int64, error) {
	a.saves.Add(1)
	if a.failSaves.Load() {
		return 0, errArchiveDown
	}
	return a.Pipeline.Save(ctx, m)
}

type testEnv struct {
	t         *testing.T
	srv       *Server
	db        *db.DB
	dir       *countingDirectory
	archive   *countingArchive
	uploads   string
	passwords *security.Passwords
}

// setupTestServer builds a server over a temporary SQLite database.
func setupTestServer(t *testing.T, tweaks ...func(*ServerConfig)) *testEnv {
	t.Helper()
	tmp := t.TempDir()

	database, err := db.New(filepath.Join(tmp, "test.db"))
	require.NoError(t, err)

	cipher, err := security.NewCipher("test-secret")
	require.NoError(t, err)

	uploads := filepath.Join(tmp, "uploads")
	fileStore, err := files.NewStore(uploads, 1<<20)
	require.NoError(t, err)

	env := &testEnv{
		t:         t,
		db:        database,
		dir:       &countingDirectory{DB: database},
		archive:   &countingArchive{Pipeline: store.New(database, cipher)},
		uploads:   uploads,
		passwords: security.NewPasswords(bcrypt.MinCost),
	}

	config := &ServerConfig{
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendQueueSize:    64,
		BroadcastEnabled: true,
		PersistBroadcast: true,
	}
	for _, tweak := range tweaks {
		tweak(config)
	}

	env.srv = New(Dependencies{
		Directory: env.dir,
		Archive:   env.archive,
		Passwords: env.passwords,
		Files:     fileStore,
	}, config)

	t.Cleanup(func() {
		env.srv.Shutdown("test finished", 2*time.Second)
		database.Close()
	})
	return env
}

func (e *testEnv) createUser(name string) int64 {
	e.t.Helper()
	hash, err := e.passwords.Hash(testPassword)
	require.NoError(e.t, err)
	id, err := e.db.CreateUser(context.Background(), name, hash, name+"@example.com")
	require.NoError(e.t, err)
	return id
}

func (e *testEnv) messageCount() int {
	e.t.Helper()
	n, err := e.db.CountMessages(context.Background())
	require.NoError(e.t, err)
	return n
}

// connect attaches a fresh client through net.Pipe.
func (e *testEnv) connect() *testClient {
	serverConn, clientConn := net.Pipe()
	go e.srv.handleConnection(serverConn)
	e.t.Cleanup(func() { clientConn.Close() })
	return &testClient{t: e.t, conn: clientConn, reader: bufio.NewReader(clientConn)}
}

// login connects and authenticates, consuming the login replies.
func (e *testEnv) login(name string) *testClient {
	e.t.Helper()
	c := e.connect()
	c.send(map[string]any{"type": "LOGIN", "username": name, "password": testPassword})
	c.expect("LOGIN_SUCCESS")
	c.expect("ONLINE_USERS")
	c.expect("USER_GROUPS")
	return c
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readFrame(timeout time.Duration) (map[string]any, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	msg, err := c.readFrame(5 * time.Second)
	require.NoError(c.t, err)
	return msg
}

// expect reads the next frame and requires its type.
func (c *testClient) expect(typ string) map[string]any {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, typ, msg["type"], "unexpected frame %v", msg)
	return msg
}

// waitFor skips frames until one of the given type arrives.
func (c *testClient) waitFor(typ string) map[string]any {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		msg := c.read()
		if msg["type"] == typ {
			return msg
		}
	}
	c.t.Fatalf("no %s frame within 50 frames", typ)
	return nil
}

func (c *testClient) expectError(text string) {
	c.t.Helper()
	msg := c.expect("ERROR")
	require.Equal(c.t, text, msg["message"])
}

// expectSilence requires that nothing arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	msg, err := c.readFrame(d)
	if err == nil {
		c.t.Fatalf("expected no frame, got %v", msg)
	}
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// expectClosed requires the server to have closed the stream.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		if _, err := c.readFrame(5 * time.Second); err != nil {
			var netErr net.Error
			require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
	}
	c.t.Fatalf("connection never closed")
}
