package hub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// assertTempFiles checks that a temp file exists exactly for the transfers
// whose status owns one, and that no stray files are left in the upload dir.
func assertTempFiles(t *testing.T, h *Hub) {
	t.Helper()
	owned := 0
	for _, info := range h.Transfers() {
		path := h.tempPathFor(info.ID)
		_, err := os.Stat(path)
		exists := err == nil
		if exists != info.Status.HasTempFile() {
			t.Fatalf("transfer %s in %s: temp file exists=%v", info.ID, info.Status, exists)
		}
		if exists {
			owned++
		}
	}
	entries, err := os.ReadDir(h.uploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != owned {
		t.Fatalf("expected %d temp files, found %d", owned, len(entries))
	}
}

func (h *Hub) tempPathFor(id string) string {
	return filepath.Join(h.uploadDir, id+".upload")
}

func status(t *testing.T, h *Hub, id string) Status {
	t.Helper()
	info, ok := h.Transfer(id)
	if !ok {
		t.Fatalf("transfer %s missing", id)
	}
	return info.Status
}

type pair struct {
	alice, bob *Session
	a, b       *recorder
}

func setupPair(t *testing.T) (*Hub, pair) {
	t.Helper()
	h := setupHub(t, true)
	alice, a := join(t, h, "alice")
	bob, b := join(t, h, "bob")
	a.Reset()
	b.Reset()
	return h, pair{alice: alice, bob: bob, a: a, b: b}
}

// upload runs the data-connection side of an upload of payload.
func upload(t *testing.T, h *Hub, id string, payload string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	tr, f, err := h.BeginUpload(id, conn)
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	assertTempFiles(t, h)
	n, err := f.WriteString(payload)
	tr.Advance(int64(n))
	h.FinishUpload(tr, f, int64(n), err)
	return conn
}

func TestTransferLifecycle(t *testing.T) {
	h, p := setupPair(t)

	id, err := h.RequestUpload(p.alice, "bob", "report.txt", 10)
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	if got := p.b.Lines(); len(got) != 1 || got[0] != fmt.Sprintf("FILE_INCOMING alice report.txt 10 %s", id) {
		t.Fatalf("bob lines %q", got)
	}
	if p.a.count("SERVER_MSG") != 1 {
		t.Fatalf("alice not told the offer was sent: %q", p.a.Lines())
	}
	if got := status(t, h, id); got != StatusPendingAccept {
		t.Fatalf("unexpected status %s", got)
	}
	assertTempFiles(t, h)

	if err := h.Accept(p.bob, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.a.count(fmt.Sprintf("UPLOAD_PROCEED %s 9090", id)) != 1 {
		t.Fatalf("alice lines %q", p.a.Lines())
	}
	if got := status(t, h, id); got != StatusPendingUpload {
		t.Fatalf("unexpected status %s", got)
	}
	assertTempFiles(t, h)

	upload(t, h, id, "0123456789")
	if got := status(t, h, id); got != StatusPendingDownload {
		t.Fatalf("unexpected status %s", got)
	}
	if p.b.count(fmt.Sprintf("DOWNLOAD_READY alice report.txt 10 %s", id)) != 1 {
		t.Fatalf("bob lines %q", p.b.Lines())
	}
	if info, _ := h.Transfer(id); info.Bytes != 10 {
		t.Fatalf("expected 10 bytes of progress, got %d", info.Bytes)
	}
	assertTempFiles(t, h)

	if err := h.RequestDownload(p.bob, id); err != nil {
		t.Fatalf("request download: %v", err)
	}
	if p.b.count(fmt.Sprintf("DOWNLOAD_PROCEED %s 9090", id)) != 1 {
		t.Fatalf("bob lines %q", p.b.Lines())
	}
	assertTempFiles(t, h)

	conn := &fakeConn{}
	tr, f, err := h.BeginDownload(id, conn)
	if err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if _, _, err := h.BeginDownload(id, &fakeConn{}); !errors.Is(err, ErrTransferBusy) {
		t.Fatalf("expected ErrTransferBusy for second download, got %v", err)
	}
	buf := make([]byte, 32)
	n, _ := f.Read(buf)
	if string(buf[:n]) != "0123456789" {
		t.Fatalf("unexpected temp content %q", buf[:n])
	}
	h.FinishDownload(tr, f, int64(n), nil)

	if len(h.Transfers()) != 0 {
		t.Fatalf("expected no transfers, got %+v", h.Transfers())
	}
	if conn.closed.Load() {
		t.Fatal("hub closed the data connection owned by the handler")
	}
	assertTempFiles(t, h)
}

func TestTransferAuthorization(t *testing.T) {
	h, p := setupPair(t)
	carol, _ := join(t, h, "carol")

	id, err := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"sender cannot accept", func() error { return h.Accept(p.alice, id) }, ErrNotRecipient},
		{"bystander cannot reject", func() error { return h.Reject(carol, id) }, ErrNotRecipient},
		{"unknown id", func() error { return h.Accept(p.bob, "nope") }, ErrTransferNotFound},
		{"download before upload", func() error { return h.RequestDownload(p.bob, id) }, ErrWrongStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, _, err := h.BeginUpload(id, &fakeConn{}); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("upload before accept: expected ErrWrongStatus, got %v", err)
	}
	if _, _, err := h.BeginDownload("unknown", &fakeConn{}); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
	if got := status(t, h, id); got != StatusPendingAccept {
		t.Fatalf("status changed by rejected actions: %s", got)
	}
	assertTempFiles(t, h)
}

func TestRequestUploadOffline(t *testing.T) {
	h, p := setupPair(t)

	if _, err := h.RequestUpload(p.alice, "zed", "a.bin", 1); !errors.Is(err, ErrUserOffline) {
		t.Fatalf("expected ErrUserOffline, got %v", err)
	}
	if len(h.Transfers()) != 0 {
		t.Fatal("transfer created for offline target")
	}
}

func TestReject(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	p.a.Reset()

	if err := h.Reject(p.bob, id); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := p.a.Lines(); len(got) != 1 || got[0] != "UPLOAD_REJECTED Пользователь bob отклонил передачу файла." {
		t.Fatalf("alice lines %q", got)
	}
	if _, ok := h.Transfer(id); ok {
		t.Fatal("rejected transfer still registered")
	}
	if err := h.Accept(p.bob, id); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("accept after reject: expected ErrTransferNotFound, got %v", err)
	}
}

func TestRejectAfterAcceptIgnored(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	if err := h.Accept(p.bob, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.Reject(p.bob, id); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
	if got := status(t, h, id); got != StatusPendingUpload {
		t.Fatalf("unexpected status %s", got)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)

	const racers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = h.Accept(p.bob, id)
			} else {
				err = h.Reject(p.bob, id)
			}
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	assertTempFiles(t, h)
}

func TestShortUploadFails(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 10)
	if err := h.Accept(p.bob, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	p.a.Reset()
	p.b.Reset()

	upload(t, h, id, "short")

	if _, ok := h.Transfer(id); ok {
		t.Fatal("failed transfer still registered")
	}
	if p.a.count("SERVER_MSG") != 1 || p.b.count("SERVER_MSG") != 1 {
		t.Fatalf("expected one failure notice each, got alice=%q bob=%q", p.a.Lines(), p.b.Lines())
	}
	if p.b.count("DOWNLOAD_READY") != 0 {
		t.Fatal("recipient told a failed upload is ready")
	}
	assertTempFiles(t, h)
}

func TestUploadErrorFails(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 4)
	_ = h.Accept(p.bob, id)

	tr, f, err := h.BeginUpload(id, &fakeConn{})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if _, _, err := h.BeginUpload(id, &fakeConn{}); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("second upload: expected ErrWrongStatus, got %v", err)
	}
	_, _ = f.WriteString("abcd")
	h.FinishUpload(tr, f, 4, errors.New("connection reset"))

	if _, ok := h.Transfer(id); ok {
		t.Fatal("failed transfer still registered")
	}
	assertTempFiles(t, h)
}

func TestLeaveCancelsTransfers(t *testing.T) {
	tests := []struct {
		name     string
		stage    func(t *testing.T, h *Hub, p pair, id string) *fakeConn
		leaver   func(p pair) *Session
		notified func(p pair) *recorder
	}{
		{
			name:     "sender leaves before accept",
			stage:    func(*testing.T, *Hub, pair, string) *fakeConn { return nil },
			leaver:   func(p pair) *Session { return p.alice },
			notified: func(p pair) *recorder { return p.b },
		},
		{
			name: "recipient leaves mid upload",
			stage: func(t *testing.T, h *Hub, p pair, id string) *fakeConn {
				_ = h.Accept(p.bob, id)
				conn := &fakeConn{}
				_, f, err := h.BeginUpload(id, conn)
				if err != nil {
					t.Fatalf("begin upload: %v", err)
				}
				t.Cleanup(func() { _ = f.Close() })
				return conn
			},
			leaver:   func(p pair) *Session { return p.bob },
			notified: func(p pair) *recorder { return p.a },
		},
		{
			name: "sender leaves while file waits for download",
			stage: func(t *testing.T, h *Hub, p pair, id string) *fakeConn {
				_ = h.Accept(p.bob, id)
				upload(t, h, id, "abc")
				return nil
			},
			leaver:   func(p pair) *Session { return p.alice },
			notified: func(p pair) *recorder { return p.b },
		},
		{
			name: "sender leaves mid download",
			stage: func(t *testing.T, h *Hub, p pair, id string) *fakeConn {
				_ = h.Accept(p.bob, id)
				upload(t, h, id, "abc")
				_ = h.RequestDownload(p.bob, id)
				conn := &fakeConn{}
				_, f, err := h.BeginDownload(id, conn)
				if err != nil {
					t.Fatalf("begin download: %v", err)
				}
				t.Cleanup(func() { _ = f.Close() })
				return conn
			},
			leaver:   func(p pair) *Session { return p.alice },
			notified: func(p pair) *recorder { return p.b },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, p := setupPair(t)
			id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
			conn := tt.stage(t, h, p, id)
			other := tt.notified(p)
			other.Reset()

			h.Leave(tt.leaver(p))

			if _, ok := h.Transfer(id); ok {
				t.Fatal("transfer survived participant leaving")
			}
			notices := 0
			for _, line := range other.Lines() {
				if strings.HasPrefix(line, "SERVER_MSG") && strings.Contains(line, "отменена") {
					notices++
				}
			}
			if notices != 1 {
				t.Fatalf("expected exactly one cancellation notice, got %q", other.Lines())
			}
			if conn != nil && !conn.closed.Load() {
				t.Fatal("attached data connection left open")
			}
			assertTempFiles(t, h)
		})
	}
}

func TestFinishUploadAfterCancel(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	_ = h.Accept(p.bob, id)
	tr, f, err := h.BeginUpload(id, &fakeConn{})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}

	h.Leave(p.alice)
	_, _ = f.WriteString("abc")
	h.FinishUpload(tr, f, 3, nil)

	if p.b.count("DOWNLOAD_READY") != 0 {
		t.Fatal("cancelled upload announced as ready")
	}
	assertTempFiles(t, h)
}

func TestDownloadMissingTempFile(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	_ = h.Accept(p.bob, id)
	upload(t, h, id, "abc")
	_ = h.RequestDownload(p.bob, id)
	p.b.Reset()

	if err := os.Remove(h.tempPathFor(id)); err != nil {
		t.Fatalf("remove temp: %v", err)
	}
	if _, _, err := h.BeginDownload(id, &fakeConn{}); !errors.Is(err, ErrTempFileMissing) {
		t.Fatalf("expected ErrTempFileMissing, got %v", err)
	}
	if p.b.count("SERVER_MSG") != 1 {
		t.Fatalf("recipient not told: %q", p.b.Lines())
	}
	if _, ok := h.Transfer(id); ok {
		t.Fatal("transfer kept after missing temp file")
	}
}

func TestShutdownRemovesTempFiles(t *testing.T) {
	h, p := setupPair(t)
	id, _ := h.RequestUpload(p.alice, "bob", "a.bin", 3)
	_ = h.Accept(p.bob, id)
	upload(t, h, id, "abc")
	_, _ = h.RequestUpload(p.bob, "alice", "b.bin", 1)

	if n := h.Shutdown(); n != 2 {
		t.Fatalf("expected 2 transfers dropped, got %d", n)
	}
	assertTempFiles(t, h)
	if len(h.Transfers()) != 0 {
		t.Fatal("transfers left after shutdown")
	}
}
