package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

var errLineTooLong = errors.New("line exceeds maximum length")

// Transport is one duplex stream of protocol lines. ReadLine is only called
// by the connection's reader and WriteLine only by its writer.
type Transport interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// lineTransport frames newline-terminated lines over a raw stream.
type lineTransport struct {
	conn        net.Conn
	reader      *bufio.Reader
	readTimeout time.Duration
	maxLine     int
}

func newLineTransport(conn net.Conn, readTimeout time.Duration, maxLine int) *lineTransport {
	return &lineTransport{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, 64*1024),
		readTimeout: readTimeout,
		maxLine:     maxLine,
	}
}

func (t *lineTransport) ReadLine() ([]byte, error) {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}

	var line []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		if len(line)+len(chunk) > t.maxLine {
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

func (t *lineTransport) WriteLine(line []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	_, err := t.conn.Write(line)
	return err
}

func (t *lineTransport) Close() error {
	return t.conn.Close()
}

func (t *lineTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport carries one protocol line per WebSocket text message.
type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, readTimeout time.Duration, maxLine int) *wsTransport {
	conn.SetReadLimit(int64(maxLine))
	return &wsTransport{conn: conn, readTimeout: readTimeout}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		if t.readTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, errLineTooLong
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
}

func (t *wsTransport) WriteLine(line []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n"))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
