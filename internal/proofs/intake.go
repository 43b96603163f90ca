// Package proofs turns submitted evidence into the proof document stored with a submission.
// Images are kept inline as data URLs unless an object store is configured.
package proofs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxFiles = 3
	DefaultMaxBytes = 2 << 20

	sniffLength   = 512
	maxFieldBytes = 2048
)

var (
	// ErrTooManyFiles indicates more attachments than allowed.
	ErrTooManyFiles = errors.New("proofs: too many files")
	// ErrFileTooLarge indicates an attachment above the size limit.
	ErrFileTooLarge = errors.New("proofs: file too large")
	// ErrUnsupportedType indicates an attachment that is not an image or whose declared type
	// disagrees with its content.
	ErrUnsupportedType = errors.New("proofs: unsupported file type")
	// ErrEmptyFile indicates a zero-byte attachment.
	ErrEmptyFile = errors.New("proofs: empty file")
)

type Config struct {
	MaxFiles int
	MaxBytes int64
	// Store receives uploaded images. Nil keeps images inline.
	Store  ObjectStore
	Logger *zap.Logger
}

// Intake validates proof fields and attachments.
type Intake struct {
	maxFiles int
	maxBytes int64
	store    ObjectStore
	logger   *zap.Logger
}

func NewIntake(cfg Config) *Intake {
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{maxFiles: maxFiles, maxBytes: maxBytes, store: cfg.Store, logger: logger}
}

// MaxFiles reports the attachment limit.
func (i *Intake) MaxFiles() int {
	return i.maxFiles
}

// MaxBytes reports the per-file size limit.
func (i *Intake) MaxBytes() int64 {
	return i.maxBytes
}

// Fields are the free-text parts of a proof.
type Fields struct {
	URL   string
	Note  string
	TxRef string
}

// Build assembles a proof from text fields and attachments, uploading images when an object
// store is configured. Attachments are checked before anything is uploaded.
func (i *Intake) Build(ctx context.Context, wallet string, fields Fields, files []*multipart.FileHeader) (submissions.Proof, error) {
	proof := submissions.Proof{
		URL:   clip(fields.URL),
		Note:  clip(fields.Note),
		TxRef: clip(fields.TxRef),
	}
	if len(files) > i.maxFiles {
		return submissions.Proof{}, fmt.Errorf("%w: %d attached, at most %d allowed", ErrTooManyFiles, len(files), i.maxFiles)
	}
	images := make([]image, 0, len(files))
	for _, header := range files {
		loaded, err := i.load(header)
		if err != nil {
			return submissions.Proof{}, err
		}
		images = append(images, loaded)
	}
	for _, loaded := range images {
		file := submissions.ProofFile{Name: loaded.name, Type: loaded.contentType, Size: int64(len(loaded.data))}
		if i.store == nil {
			file.DataURL = "data:" + loaded.contentType + ";base64," + base64.StdEncoding.EncodeToString(loaded.data)
		} else {
			key := objectKey(wallet, loaded.contentType)
			url, err := i.store.Put(ctx, key, loaded.contentType, loaded.data)
			if err != nil {
				i.logger.Error("proof upload failed", zap.String("wallet", wallet), zap.String("key", key), zap.Error(err))
				return submissions.Proof{}, fmt.Errorf("proofs: upload %s: %w", loaded.name, err)
			}
			file.URL = url
		}
		proof.Files = append(proof.Files, file)
	}
	return proof, nil
}

type image struct {
	name        string
	contentType string
	data        []byte
}

func (i *Intake) load(header *multipart.FileHeader) (image, error) {
	name := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if header.Size > i.maxBytes {
		return image{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, name, i.maxBytes)
	}
	file, err := header.Open()
	if err != nil {
		return image{}, fmt.Errorf("proofs: open %s: %w", name, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, i.maxBytes+1))
	if err != nil {
		return image{}, fmt.Errorf("proofs: read %s: %w", name, err)
	}
	if int64(len(data)) > i.maxBytes {
		return image{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, name, i.maxBytes)
	}
	if len(data) == 0 {
		return image{}, fmt.Errorf("%w: %s", ErrEmptyFile, name)
	}
	contentType, err := detectImage(data, header.Header.Get("Content-Type"))
	if err != nil {
		return image{}, fmt.Errorf("%w: %s", err, name)
	}
	return image{name: name, contentType: contentType, data: data}, nil
}

// detectImage sniffs the content type and checks it against the declared one. A missing or
// generic declaration defers to the sniffed type.
func detectImage(data []byte, declared string) (string, error) {
	head := data
	if len(head) > sniffLength {
		head = head[:sniffLength]
	}
	sniffed := mediaType(http.DetectContentType(head))
	if !strings.HasPrefix(sniffed, "image/") {
		return "", fmt.Errorf("%w: content is %s", ErrUnsupportedType, sniffed)
	}
	declaredType := mediaType(declared)
	if declaredType == "" || declaredType == "application/octet-stream" {
		return sniffed, nil
	}
	if declaredType != sniffed {
		return "", fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedType, declaredType, sniffed)
	}
	return sniffed, nil
}

func mediaType(value string) string {
	parsed, _, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	if parsed == "image/jpg" || parsed == "image/pjpeg" {
		return "image/jpeg"
	}
	return parsed
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

func objectKey(wallet, contentType string) string {
	owner := strings.ToLower(strings.TrimSpace(wallet))
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("proofs/%s/%s%s", owner, uuid.NewString(), extensions[contentType])
}

func clip(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > maxFieldBytes {
		return trimmed[:maxFieldBytes]
	}
	return trimmed
}

