package hub

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lanchat/internal/protocol"
	"lanchat/pkg/logger"
)

type Status string

const (
	StatusPendingAccept   Status = "pending_target_accept"
	StatusPendingUpload   Status = "pending_upload"
	StatusUploading       Status = "uploading"
	StatusPendingDownload Status = "pending_download"
	StatusDownloading     Status = "downloading"
	StatusComplete        Status = "complete"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// HasTempFile reports whether a transfer in this status owns a temp file.
func (s Status) HasTempFile() bool {
	return s == StatusUploading || s == StatusPendingDownload || s == StatusDownloading
}

// Transfer is one file send relayed through the server. Mutable fields are
// guarded by the hub mutex; moved is updated by the data handler.
type Transfer struct {
	ID       string
	Filename string
	Size     int64
	From     string
	To       string
	Created  time.Time

	sender    SessionID
	recipient SessionID
	status    Status
	tempPath  string
	data      io.Closer
	moved     atomic.Int64
}

// Advance records n more bytes moved over the data connection. The count
// restarts when the download phase begins.
func (t *Transfer) Advance(n int64) {
	t.moved.Add(n)
}

// TransferInfo is a point-in-time copy of a Transfer.
type TransferInfo struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Status   Status    `json:"status"`
	Bytes    int64     `json:"bytes"`
	Created  time.Time `json:"created"`
	TempPath string    `json:"-"`
}

func (t *Transfer) info() TransferInfo {
	return TransferInfo{
		ID:       t.ID,
		Filename: t.Filename,
		Size:     t.Size,
		From:     t.From,
		To:       t.To,
		Status:   t.status,
		Bytes:    t.moved.Load(),
		Created:  t.Created,
		TempPath: t.tempPath,
	}
}

// RequestUpload creates a transfer from s to target and offers it to target.
func (h *Hub) RequestUpload(s *Session, target, filename string, size int64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ID] != s {
		return "", ErrNotJoined
	}
	to, ok := h.byName[target]
	if !ok {
		return "", ErrUserOffline
	}

	t := &Transfer{
		ID:        uuid.NewString(),
		Filename:  filename,
		Size:      size,
		From:      s.Username,
		To:        to.Username,
		Created:   h.now(),
		sender:    s.ID,
		recipient: to.ID,
		status:    StatusPendingAccept,
	}
	h.transfers[t.ID] = t

	logger.InfoWithUser(s.Username, "transfer_requested", map[string]interface{}{
		"transfer_id": t.ID,
		"to":          t.To,
		"filename":    filename,
		"size":        humanize.Bytes(uint64(size)),
	})

	to.send(protocol.FileIncoming(t.From, filename, size, t.ID))
	s.send(protocol.ServerMsg(fmt.Sprintf("Запрос на отправку файла '%s' пользователю %s отправлен.", filename, target)))
	return t.ID, nil
}

// Accept lets the recipient accept a pending offer; the sender is told to
// open its upload connection.
func (h *Hub) Accept(s *Session, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.recipientTransferLocked(s, id, StatusPendingAccept)
	if err != nil {
		return err
	}
	t.status = StatusPendingUpload

	h.sessions[t.sender].send(protocol.UploadProceed(t.ID, h.port))
	s.send(protocol.ServerMsg(fmt.Sprintf("Вы приняли файл '%s'. Ожидание загрузки.", t.Filename)))
	logger.InfoWithUser(s.Username, "transfer_accepted", map[string]interface{}{"transfer_id": t.ID})
	return nil
}

// Reject lets the recipient decline a pending offer; the transfer is dropped.
func (h *Hub) Reject(s *Session, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.recipientTransferLocked(s, id, StatusPendingAccept)
	if err != nil {
		return err
	}

	h.sessions[t.sender].send(protocol.UploadRejected(fmt.Sprintf("Пользователь %s отклонил передачу файла.", t.To)))
	h.dropLocked(t, StatusCancelled)
	logger.InfoWithUser(s.Username, "transfer_rejected", map[string]interface{}{"transfer_id": t.ID})
	return nil
}

// RequestDownload lets the recipient claim an uploaded file.
func (h *Hub) RequestDownload(s *Session, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.recipientTransferLocked(s, id, StatusPendingDownload)
	if err != nil {
		return err
	}
	t.status = StatusDownloading

	s.send(protocol.DownloadProceed(t.ID, h.port))
	logger.InfoWithUser(s.Username, "download_granted", map[string]interface{}{"transfer_id": t.ID})
	return nil
}

func (h *Hub) recipientTransferLocked(s *Session, id string, want Status) (*Transfer, error) {
	if h.sessions[s.ID] != s {
		return nil, ErrNotJoined
	}
	t, ok := h.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if t.recipient != s.ID {
		return nil, ErrNotRecipient
	}
	if t.status != want {
		return nil, ErrWrongStatus
	}
	return t, nil
}

// BeginUpload attaches an upload data connection to transfer id, moving it
// to uploading and creating its temp file. The caller owns the returned file.
func (h *Hub) BeginUpload(id string, conn io.Closer) (*Transfer, *os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.dataTransferLocked(id, StatusPendingUpload)
	if err != nil {
		return nil, nil, err
	}

	path := filepath.Join(h.uploadDir, t.ID+".upload")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		h.failLocked(t, "Не удалось подготовить файл на сервере.")
		return nil, nil, fmt.Errorf("hub: create temp file: %w", err)
	}

	t.status = StatusUploading
	t.tempPath = path
	t.data = conn
	logger.Info("upload_started", map[string]interface{}{
		"transfer_id": t.ID,
		"from":        t.From,
		"temp_path":   path,
	})
	return t, f, nil
}

// FinishUpload closes the temp file and settles the upload: a full upload
// becomes pending_download and the recipient is told; anything else is an
// error and the transfer is dropped.
func (h *Hub) FinishUpload(t *Transfer, f *os.File, received int64, ioErr error) {
	if cerr := f.Close(); cerr != nil && ioErr == nil {
		ioErr = fmt.Errorf("close temp file: %w", cerr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transfers[t.ID] != t || t.status != StatusUploading {
		// Cancelled while the data was in flight.
		removeFile(f.Name())
		return
	}
	t.data = nil

	if ioErr == nil && received != t.Size {
		ioErr = fmt.Errorf("received %d of %d bytes", received, t.Size)
	}
	if ioErr != nil {
		logger.Error("upload_failed", ioErr, map[string]interface{}{
			"transfer_id": t.ID,
			"received":    received,
			"size":        t.Size,
		})
		h.failLocked(t, fmt.Sprintf("Передача файла '%s' не удалась.", t.Filename))
		return
	}

	t.status = StatusPendingDownload
	logger.Info("upload_complete", map[string]interface{}{
		"transfer_id": t.ID,
		"size":        humanize.Bytes(uint64(t.Size)),
	})
	h.sessions[t.recipient].send(protocol.DownloadReady(t.From, t.Filename, t.Size, t.ID))
}

// BeginDownload attaches a download data connection to transfer id and opens
// its temp file for reading. The caller owns the returned file.
func (h *Hub) BeginDownload(id string, conn io.Closer) (*Transfer, *os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.dataTransferLocked(id, StatusDownloading)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(t.tempPath)
	if err != nil {
		logger.Error("download_temp_missing", err, map[string]interface{}{
			"transfer_id": t.ID,
			"temp_path":   t.tempPath,
		})
		h.sessions[t.recipient].send(protocol.ServerMsg("Ошибка: Файл для скачивания не найден на сервере."))
		h.dropLocked(t, StatusError)
		return nil, nil, fmt.Errorf("%w: %v", ErrTempFileMissing, err)
	}

	t.data = conn
	t.moved.Store(0)
	logger.Info("download_started", map[string]interface{}{
		"transfer_id": t.ID,
		"to":          t.To,
	})
	return t, f, nil
}

// FinishDownload closes the temp file and, whatever the outcome, deletes it
// and drops the transfer.
func (h *Hub) FinishDownload(t *Transfer, f *os.File, sent int64, ioErr error) {
	_ = f.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transfers[t.ID] != t {
		removeFile(f.Name())
		return
	}
	t.data = nil

	final := StatusComplete
	if ioErr != nil || sent != t.Size {
		final = StatusError
		logger.Warn("download_incomplete", map[string]interface{}{
			"transfer_id": t.ID,
			"sent":        sent,
			"size":        t.Size,
			"error":       errString(ioErr),
		})
	} else {
		logger.Info("download_complete", map[string]interface{}{
			"transfer_id": t.ID,
			"size":        humanize.Bytes(uint64(t.Size)),
		})
	}
	h.dropLocked(t, final)
}

func (h *Hub) dataTransferLocked(id string, want Status) (*Transfer, error) {
	t, ok := h.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if t.status != want {
		return nil, ErrWrongStatus
	}
	if t.data != nil {
		return nil, ErrTransferBusy
	}
	return t, nil
}

// Transfers returns a snapshot of every live transfer, oldest first.
func (h *Hub) Transfers() []TransferInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]TransferInfo, 0, len(h.transfers))
	for _, t := range h.transfers {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transfer returns a snapshot of transfer id.
func (h *Hub) Transfer(id string) (TransferInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.transfers[id]
	if !ok {
		return TransferInfo{}, false
	}
	return t.info(), true
}

// Shutdown drops every transfer without notifying anyone, closing attached
// data connections and deleting temp files.
func (h *Hub) Shutdown() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.transfers)
	for _, t := range h.transfers {
		h.dropLocked(t, StatusCancelled)
	}
	return n
}

func (h *Hub) transfersOfLocked(id SessionID) []*Transfer {
	var out []*Transfer
	for _, t := range h.transfers {
		if t.sender == id || t.recipient == id {
			out = append(out, t)
		}
	}
	return out
}

// failLocked tells both parties that t failed and drops it.
func (h *Hub) failLocked(t *Transfer, reason string) {
	msg := protocol.ServerMsg(reason)
	h.sessions[t.sender].send(msg)
	if t.recipient != t.sender {
		h.sessions[t.recipient].send(msg)
	}
	h.dropLocked(t, StatusError)
}

// dropLocked moves t to a terminal status: the data connection is closed, the
// temp file deleted, and only then the record removed.
func (h *Hub) dropLocked(t *Transfer, final Status) {
	t.status = final
	if t.data != nil {
		_ = t.data.Close()
		t.data = nil
	}
	if t.tempPath != "" {
		removeFile(t.tempPath)
		t.tempPath = ""
	}
	delete(h.transfers, t.ID)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("temp_file_remove_failed", err, map[string]interface{}{"path": path})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
