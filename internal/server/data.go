package server

import (
	"errors"
	"io"
	"net"
	"time"

	"lanchat/internal/hub"
	"lanchat/pkg/logger"
)

const (
	chunkSize = 4 * 1024
	sockBuf   = 256 * 1024
)

// tuneConn is applied to every accepted connection before its role is known,
// so it sets the options both command sessions and data legs need.
func tuneConn(tc *net.TCPConn) {
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetReadBuffer(sockBuf)
	_ = tc.SetWriteBuffer(sockBuf)
}

// serveUpload stores exactly the announced number of bytes from the sender.
// r is the reader that consumed the handshake line; bytes it already buffered
// belong to the file.
func (s *Server) serveUpload(conn net.Conn, r io.Reader, id string) {
	t, f, err := s.hub.BeginUpload(id, conn)
	if err != nil {
		logger.Warn("upload_refused", map[string]interface{}{
			"transfer_id": id,
			"remote":      conn.RemoteAddr().String(),
			"error":       err.Error(),
		})
		return
	}

	received, err := receive(conn, r, f, t, s.cfg.Timeouts.Data)
	s.hub.FinishUpload(t, f, received, err)
}

func receive(conn net.Conn, r io.Reader, w io.Writer, t *hub.Transfer, timeout time.Duration) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for total < t.Size {
		want := int64(len(buf))
		if left := t.Size - total; left < want {
			want = left
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			t.Advance(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

// serveDownload streams the stored file to the recipient.
func (s *Server) serveDownload(conn net.Conn, id string) {
	t, f, err := s.hub.BeginDownload(id, conn)
	if err != nil {
		logger.Warn("download_refused", map[string]interface{}{
			"transfer_id": id,
			"remote":      conn.RemoteAddr().String(),
			"error":       err.Error(),
		})
		return
	}

	sent, err := send(conn, f, t, s.cfg.Timeouts.Data)
	s.hub.FinishDownload(t, f, sent, err)
}

func send(conn net.Conn, r io.Reader, t *hub.Transfer, timeout time.Duration) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			t.Advance(int64(n))
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
