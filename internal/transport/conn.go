package transport

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the bidirectional channel a Handle speaks over. The production
// implementation wraps a websocket connection; tests use an in-process
// pipe.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WSConn adapts a gorilla websocket connection to Conn. Frames are text
// frames carrying JSON.
type WSConn struct {
	c *websocket.Conn
}

func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{c: c}
}

func (w *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *WSConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *WSConn) Close() error {
	return w.c.Close()
}

// PipeConn is one end of an in-process message pipe. Both ends share a
// single close signal, so closing either end unblocks both.
type PipeConn struct {
	recv <-chan []byte
	send chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected Conn ends.
func Pipe() (*PipeConn, *PipeConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeConn{recv: bToA, send: aToB, done: done, once: once}
	b := &PipeConn{recv: aToB, send: bToA, done: done, once: once}
	return a, b
}

func (p *PipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.recv:
		return data, nil
	case <-p.done:
		// Drain anything already queued before reporting closed.
		select {
		case data := <-p.recv:
			return data, nil
		default:
		}
		return nil, io.EOF
	}
}

func (p *PipeConn) WriteMessage(data []byte) error {
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *PipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
