package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/domain"
	"leadline/internal/storage"
)

const (
	DefaultMaxFiles     = 5
	DefaultMaxFileBytes = 10 << 20
)

var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
}

// Source is one file of an upload request.
type Source struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// FromMultipart adapts parsed multipart file headers.
func FromMultipart(headers []*multipart.FileHeader) []Source {
	out := make([]Source, 0, len(headers))
	for _, fh := range headers {
		out = append(out, Source{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return out
}

type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
	AllowedTypes []string
}

// Processor checks and stores uploaded files one at a time.
type Processor struct {
	store   storage.ObjectStore
	limits  Limits
	tempDir string
	logger  *zap.Logger
	newID   func() string
}

func NewProcessor(store storage.ObjectStore, limits Limits, tempDir string, logger *zap.Logger) *Processor {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultMaxFiles
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultMaxFileBytes
	}
	if len(limits.AllowedTypes) == 0 {
		limits.AllowedTypes = DefaultAllowedTypes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, limits: limits, tempDir: tempDir, logger: logger, newID: uuid.NewString}
}

func (p *Processor) Limits() Limits { return p.limits }

// Process stores every acceptable file and records the rest in Failed.
// It fails only when the batch is empty, too large, or nothing was stored.
func (p *Processor) Process(ctx context.Context, files []Source) (domain.UploadResult, error) {
	if len(files) == 0 {
		return domain.UploadResult{}, domain.ErrNoFiles
	}
	if len(files) > p.limits.MaxFiles {
		return domain.UploadResult{}, domain.ValidationError{Fields: map[string]string{
			"files": fmt.Sprintf("Attach at most %d files.", p.limits.MaxFiles),
		}}
	}
	result := domain.UploadResult{Succeeded: []domain.UploadedFile{}, Failed: []domain.FailedFile{}}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		stored, failed := p.processOne(ctx, f)
		if failed != nil {
			result.Failed = append(result.Failed, *failed)
			continue
		}
		result.Succeeded = append(result.Succeeded, stored)
	}
	if len(result.Succeeded) == 0 {
		return result, domain.UploadFailedError{Result: result}
	}
	return result, nil
}

var errTooLarge = errors.New("too large")

func (p *Processor) processOne(ctx context.Context, f Source) (domain.UploadedFile, *domain.FailedFile) {
	reject := func(reason string) *domain.FailedFile {
		return &domain.FailedFile{Filename: f.Filename, Reason: reason, Rejected: true}
	}
	if f.Size > p.limits.MaxFileBytes {
		return domain.UploadedFile{}, reject(p.sizeReason())
	}

	tmp, size, err := p.stage(f)
	if tmp != nil {
		defer func() {
			tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
				p.logger.Warn("temp file not removed", zap.String("path", tmp.Name()), zap.Error(rmErr))
			}
		}()
	}
	if errors.Is(err, errTooLarge) {
		return domain.UploadedFile{}, reject(p.sizeReason())
	}
	if err != nil {
		p.logger.Error("stage upload", zap.String("filename", f.Filename), zap.Error(err))
		return domain.UploadedFile{}, &domain.FailedFile{Filename: f.Filename, Reason: "could not read file"}
	}

	mt, err := mimetype.DetectReader(tmp)
	if err != nil {
		p.logger.Error("detect upload type", zap.String("filename", f.Filename), zap.Error(err))
		return domain.UploadedFile{}, &domain.FailedFile{Filename: f.Filename, Reason: "could not read file"}
	}
	if !p.allowed(mt) {
		return domain.UploadedFile{}, reject(fmt.Sprintf("file type %s is not allowed", mt.String()))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return domain.UploadedFile{}, &domain.FailedFile{Filename: f.Filename, Reason: "could not read file"}
	}

	id := p.newID()
	key := storage.Key(id, f.Filename)
	url, err := p.store.Put(ctx, key, tmp, size, mt.String())
	if err != nil {
		p.logger.Error("store upload", zap.String("filename", f.Filename), zap.String("key", key), zap.Error(err))
		return domain.UploadedFile{}, &domain.FailedFile{Filename: f.Filename, Reason: "could not store file"}
	}
	return domain.UploadedFile{
		ID:          id,
		URL:         url,
		Size:        size,
		Filename:    f.Filename,
		ContentType: mt.String(),
	}, nil
}

// stage copies the upload into its own temp file, rewound for reading. The
// returned file is non-nil whenever it was created, even on error.
func (p *Processor) stage(f Source) (*os.File, int64, error) {
	src, err := f.Open()
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(p.tempDir, "leadline-upload-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(tmp, io.LimitReader(src, p.limits.MaxFileBytes+1))
	if err != nil {
		return tmp, n, err
	}
	if n > p.limits.MaxFileBytes {
		return tmp, n, errTooLarge
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return tmp, n, err
	}
	return tmp, n, nil
}

func (p *Processor) allowed(mt *mimetype.MIME) bool {
	for _, t := range p.limits.AllowedTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}

func (p *Processor) sizeReason() string {
	return fmt.Sprintf("file exceeds the %d MB limit", p.limits.MaxFileBytes>>20)
}
