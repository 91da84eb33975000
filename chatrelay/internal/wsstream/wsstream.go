// Package wsstream adapts a websocket connection to io.ReadWriteCloser so
// the event codec can treat it as a byte stream.
package wsstream

import (
	"io"

	"github.com/gorilla/websocket"
)

type Stream struct {
	conn          *websocket.Conn
	currentReader io.Reader
}

func New(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Read(p []byte) (n int, err error) {
	if s.currentReader == nil {
		_, reader, err := s.conn.NextReader()
		if err != nil {
			return 0, err
		}
		s.currentReader = reader
	}

	n, err = s.currentReader.Read(p)
	if err == io.EOF {
		s.currentReader = nil
		err = nil
	}

	return n, err
}

func (s *Stream) Write(p []byte) (n int, err error) {
	err = s.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}
