package server

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"statesaver/config"

	"github.com/pkg/sftp"
)

// StateUploadHandler turns SFTP uploads into save requests. Only writes are
// served; the uploaded bytes are handed to the saver when the handle closes.
type StateUploadHandler struct {
	saver StateSaver
}

func NewStateUploadHandler(saver StateSaver) *StateUploadHandler {
	return &StateUploadHandler{saver: saver}
}

func (h *StateUploadHandler) Handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
}

func (h *StateUploadHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	slog.Debug("SFTP write request", "path", r.Filepath)
	return &uploadBuffer{path: r.Filepath, saver: h.saver}, nil
}

func (h *StateUploadHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return nil, sftp.ErrSSHFxOpUnsupported
}

// Filecmd accepts the commands clients send around a put and rejects the rest.
// Parent directories are created by the saver, so Mkdir is a no-op.
func (h *StateUploadHandler) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat", "Mkdir":
		return nil
	default:
		return fmt.Errorf("unsupported command: %s: %w", r.Method, sftp.ErrSSHFxOpUnsupported)
	}
}

func (h *StateUploadHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	return nil, fmt.Errorf("unsupported list method: %s: %w", r.Method, sftp.ErrSSHFxOpUnsupported)
}

// uploadBuffer collects WriteAt calls, which may arrive out of order.
type uploadBuffer struct {
	mu     sync.Mutex
	path   string
	buf    []byte
	saver  StateSaver
	closed bool
}

func (b *uploadBuffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative write offset %d", off)
	}
	if int64(len(p)) > config.MaxUploadSize || off > config.MaxUploadSize-int64(len(p)) {
		slog.Warn("upload size exceeds limit", "path", b.path, "offset", off, "length", len(p))
		return 0, fmt.Errorf("upload exceeds max size of %d bytes", config.MaxUploadSize)
	}
	end := off + int64(len(p))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if int64(len(b.buf)) < end {
		b.buf = append(b.buf, make([]byte, end-int64(len(b.buf)))...)
	}
	copy(b.buf[off:], p)
	return len(p), nil
}

func (b *uploadBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	ack, err := b.saver.SaveState(b.path, string(b.buf))
	if err != nil {
		return fmt.Errorf("failed to schedule upload %s: %w", b.path, err)
	}
	slog.Info("SFTP upload scheduled", "id", ack.ID, "path", b.path, "size", len(b.buf))
	return nil
}
