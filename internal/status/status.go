// Package status serves a read-only HTTP view of the running chat server:
// who is online and which transfers are in flight.
package status

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"lanchat/internal/hub"
	"lanchat/pkg/logger"
)

// Source is the state the status endpoints report.
type Source interface {
	Online() []hub.SessionInfo
	Transfers() []hub.TransferInfo
	Transfer(id string) (hub.TransferInfo, bool)
}

type Server struct {
	addr    string
	app     *fiber.App
	src     Source
	started time.Time
}

func New(addr string, src Source) *Server {
	s := &Server{
		addr:    addr,
		src:     src,
		started: time.Now(),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(requestLogger())

	app.Get("/health", s.health)

	api := app.Group("/api")
	api.Get("/users", s.listUsers)
	api.Get("/transfers", s.listTransfers)
	api.Get("/transfers/:id", s.getTransfer)

	s.app = app
	return s
}

// App exposes the router, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run binds the status port, serves until ctx is done, then shuts the
// listener down. A bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	logger.Info("status_listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		err := s.app.ShutdownWithTimeout(5 * time.Second)
		_ = ln.Close()
		if err != nil {
			return fmt.Errorf("status: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listUsers(c *fiber.Ctx) error {
	users := s.src.Online()
	return success(c, fiber.StatusOK, fiber.Map{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) listTransfers(c *fiber.Ctx) error {
	transfers := s.src.Transfers()
	if want := c.Query("status"); want != "" {
		filtered := transfers[:0]
		for _, t := range transfers {
			if string(t.Status) == want {
				filtered = append(filtered, t)
			}
		}
		transfers = filtered
	}
	return success(c, fiber.StatusOK, fiber.Map{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

func (s *Server) getTransfer(c *fiber.Ctx) error {
	t, ok := s.src.Transfer(c.Params("id"))
	if !ok {
		return failure(c, fiber.StatusNotFound, "transfer not found")
	}
	return success(c, fiber.StatusOK, t)
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		details := map[string]interface{}{
			"method":      c.Method(),
			"path":        c.Path(),
			"status_code": c.Response().StatusCode(),
			"latency_ms":  time.Since(start).Milliseconds(),
			"ip":          c.IP(),
		}
		if c.Response().StatusCode() >= 500 {
			logger.Error("http_request", err, details)
		} else {
			logger.Debug("http_request", details)
		}
		return err
	}
}
