package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"lanchat/internal/hub"
	"lanchat/internal/protocol"
	"lanchat/pkg/logger"
)

// serveCommand runs an authenticated chat session on conn. Whatever ends the
// loop, the session leaves the hub before the connection is closed.
func (s *Server) serveCommand(conn net.Conn, r *bufio.Reader) {
	remote := conn.RemoteAddr().String()
	c := newClient(conn, s.cfg.Timeouts.Write)
	defer c.Close()

	c.Send(protocol.AuthRequest())

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Auth))
	name, err := protocol.ReadLine(r)
	if err != nil {
		logger.Info("auth_aborted", map[string]interface{}{
			"remote": remote,
			"reason": disconnectReason(err),
		})
		return
	}

	sess, err := s.hub.Join(name, c)
	if err != nil {
		c.Send(protocol.AuthError(authFailure(err, name)))
		logger.Warn("auth_rejected", map[string]interface{}{
			"remote":   remote,
			"username": name,
			"error":    err.Error(),
		})
		return
	}
	defer s.hub.Leave(sess)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Idle))
		line, err := protocol.ReadLine(r)
		if err != nil {
			logger.InfoWithUser(sess.Username, "session_closed", map[string]interface{}{
				"remote": remote,
				"reason": disconnectReason(err),
			})
			return
		}
		if line == "" {
			continue
		}
		s.dispatch(sess, c, line)
	}
}

func authFailure(err error, name string) string {
	if errors.Is(err, hub.ErrUsernameTaken) {
		return fmt.Sprintf("Имя '%s' уже занято.", name)
	}
	return "Неверный формат имени."
}

func disconnectReason(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, protocol.ErrLineTooLong):
		return "line_too_long"
	default:
		return err.Error()
	}
}

func (s *Server) dispatch(sess *hub.Session, c *client, line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		var usage *protocol.UsageError
		if errors.As(err, &usage) {
			c.Send(protocol.ServerMsg(usage.Message))
		}
		return
	}

	switch cmd.Kind {
	case protocol.KindChat:
		err = s.hub.Chat(sess, cmd.Text)

	case protocol.KindPrivate:
		err = s.hub.PrivateMessage(sess, cmd.Target, cmd.Text)
		switch {
		case errors.Is(err, hub.ErrSelfTarget):
			c.Send(protocol.ServerMsg("Нельзя отправить сообщение самому себе."))
		case errors.Is(err, hub.ErrUserOffline):
			c.Send(protocol.ServerMsg(fmt.Sprintf("Пользователь '%s' не найден.", cmd.Target)))
		}

	case protocol.KindUpload:
		_, err = s.hub.RequestUpload(sess, cmd.Target, cmd.Filename, cmd.Size)
		if errors.Is(err, hub.ErrUserOffline) {
			c.Send(protocol.ServerMsg(fmt.Sprintf("Пользователь '%s' не в сети.", cmd.Target)))
		}

	case protocol.KindFileAccept:
		err = s.hub.Accept(sess, cmd.TransferID)

	case protocol.KindFileReject:
		err = s.hub.Reject(sess, cmd.TransferID)

	case protocol.KindDownload:
		err = s.hub.RequestDownload(sess, cmd.TransferID)
		if err != nil {
			c.Send(protocol.ServerMsg("Ошибка: неверный ID или файл не готов к скачиванию."))
		}

	case protocol.KindPing:
		logger.Debug("ping", map[string]interface{}{"username": sess.Username})
	}

	if err != nil {
		logger.Debug("command_refused", map[string]interface{}{
			"username": sess.Username,
			"command":  cmd.Kind.String(),
			"error":    err.Error(),
		})
	}
}
