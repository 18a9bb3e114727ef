// Package transfer is C3, the Transfer Broker: ephemeral one-shot TCP
// listeners for uploads and downloads, per spec.md §4.3.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Errors returned by Offer/Request.
var (
	ErrInvalidOffer   = errors.New("transfer: invalid offer")
	ErrFileNotFound   = errors.New("transfer: file not found")
	ErrListenerFailed = errors.New("transfer: could not allocate listener")
)

// FileRecord is the C3-owned file record of spec.md §3.
type FileRecord struct {
	FID          string
	Filename     string
	Size         int64
	UploaderUID  uint32
	UploaderName string
	DiskPath     string
	UploadedAt   time.Time
}

// Config holds C3's tunables.
type Config struct {
	UploadDir   string
	Deadline    time.Duration
	MaxFileSize int64
}

// Broker allocates ephemeral transfer ports and streams bytes to/from disk.
// Uploads and downloads run independently; disk I/O for one user never blocks
// another user's control-plane reader.
type Broker struct {
	cfg Config

	mu    sync.Mutex
	files map[string]FileRecord

	onFileAvailable func(FileRecord)
}

// New constructs a Broker rooted at cfg.UploadDir, creating the directory if
// necessary.
func New(cfg Config) (*Broker, error) {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2 << 30
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Broker{cfg: cfg, files: make(map[string]FileRecord)}, nil
}

// OnFileAvailable registers the callback invoked after a successful upload,
// with the full byte count already on disk. The control plane uses this to
// broadcast file-available.
func (b *Broker) OnFileAvailable(fn func(FileRecord)) {
	b.onFileAvailable = fn
}

// Offer validates an upload request and starts a one-shot listener. It
// returns the allocated port; the upload itself proceeds asynchronously.
func (b *Broker) Offer(fid, filename string, size int64, uploaderUID uint32, uploaderName string) (int, error) {
	if fid == "" || filename == "" || size <= 0 || size > b.cfg.MaxFileSize {
		return 0, ErrInvalidOffer
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	go b.runUpload(ln, fid, filename, size, uploaderUID, uploaderName)
	return port, nil
}

// Request looks fid up and, on a hit, starts a one-shot download listener.
func (b *Broker) Request(fid string) (FileRecord, int, error) {
	b.mu.Lock()
	rec, ok := b.files[fid]
	b.mu.Unlock()
	if !ok {
		return FileRecord{}, 0, ErrFileNotFound
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return FileRecord{}, 0, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	go b.runDownload(ln, rec)
	return rec, port, nil
}

func (b *Broker) runUpload(ln net.Listener, fid, filename string, size int64, uploaderUID uint32, uploaderName string) {
	defer ln.Close()

	diskName := filepath.Base(filepath.Clean(filename))
	diskPath := filepath.Join(b.cfg.UploadDir, diskName)
	log := slog.With("component", "transfer", "fid", fid, "filename", diskName)

	conn, err := acceptOnce(ln, b.cfg.Deadline)
	if err != nil {
		log.Debug("upload listener expired without a connection", "err", err)
		return
	}
	defer conn.Close()

	f, err := os.Create(diskPath)
	if err != nil {
		log.Error("create upload file", "err", err)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(b.cfg.Deadline))
	written, copyErr := copyWithProgress(f, conn, size, log)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil || written != size {
		log.Warn("upload aborted, removing partial file", "written", written, "want", size, "copy_err", copyErr, "close_err", closeErr)
		_ = os.Remove(diskPath)
		return
	}

	rec := FileRecord{
		FID:          fid,
		Filename:     filename,
		Size:         size,
		UploaderUID:  uploaderUID,
		UploaderName: uploaderName,
		DiskPath:     diskPath,
		UploadedAt:   time.Now(),
	}
	b.mu.Lock()
	b.files[fid] = rec
	b.mu.Unlock()

	log.Info("upload complete", "size", humanize.Bytes(uint64(size)))
	if b.onFileAvailable != nil {
		b.onFileAvailable(rec)
	}
}

func (b *Broker) runDownload(ln net.Listener, rec FileRecord) {
	defer ln.Close()
	log := slog.With("component", "transfer", "fid", rec.FID, "filename", rec.Filename)

	conn, err := acceptOnce(ln, b.cfg.Deadline)
	if err != nil {
		log.Debug("download listener expired without a connection", "err", err)
		return
	}
	defer conn.Close()

	f, err := os.Open(rec.DiskPath)
	if err != nil {
		log.Error("open file for download", "err", err)
		return
	}
	defer f.Close()

	_ = conn.SetDeadline(time.Now().Add(b.cfg.Deadline))
	n, err := copyWithProgress(conn, f, rec.Size, log)
	if err != nil {
		log.Warn("download write error", "written", n, "err", err)
		return
	}
	log.Info("download complete", "size", humanize.Bytes(uint64(n)))
}

// acceptOnce accepts exactly one connection, or returns an error once
// deadline elapses without one.
func acceptOnce(ln net.Listener, deadline time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(deadline):
		ln.Close()
		return nil, fmt.Errorf("no connection within %s", deadline)
	}
}

// copyWithProgress streams exactly want bytes from src to dst, logging every
// megabyte. On a short read it returns early with the bytes written so far
// and the read error (io.EOF when the peer closed); the caller treats a
// non-nil error or written < want as a failed transfer.
func copyWithProgress(dst io.Writer, src io.Reader, want int64, log *slog.Logger) (int64, error) {
	const chunk = 8 * 1024 // spec.md §4.3: streamed in 8 KiB chunks
	const logEvery = 1 << 20

	buf := make([]byte, chunk)
	var written, sinceLog int64
	for written < want {
		toRead := int64(chunk)
		if remaining := want - written; remaining < toRead {
			toRead = remaining
		}
		n, rerr := src.Read(buf[:toRead])
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			sinceLog += int64(wn)
			if werr != nil {
				return written, werr
			}
			if sinceLog >= logEvery {
				log.Debug("upload progress", "written", humanize.Bytes(uint64(written)), "want", humanize.Bytes(uint64(want)))
				sinceLog = 0
			}
		}
		if rerr != nil {
			if rerr == io.EOF && written == want {
				break
			}
			return written, rerr
		}
	}
	return written, nil
}
