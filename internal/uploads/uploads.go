package uploads

import (
	"crypto/rand"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Dir is the directory, relative to the public root, holding chat blobs.
// Attachment references always start with it.
const Dir = "chat-uploads"

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Allowed reports whether a declared content type may be stored.
func Allowed(contentType string) bool {
	mt := normalize(contentType)
	return strings.HasPrefix(mt, "image/") ||
		strings.HasPrefix(mt, "video/") ||
		mt == "application/pdf"
}

func normalize(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// Intake stores attachment blobs under <public root>/chat-uploads.
type Intake struct {
	fs       afero.Fs
	maxBytes int64
	log      *zap.Logger
	now      func() time.Time
}

// New returns an Intake writing below publicDir on the OS filesystem.
func New(publicDir string, maxBytes int64, log *zap.Logger) *Intake {
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), publicDir), maxBytes, log)
}

// NewWithFs is New over an arbitrary filesystem rooted at the public dir.
func NewWithFs(fs afero.Fs, maxBytes int64, log *zap.Logger) *Intake {
	return &Intake{fs: fs, maxBytes: maxBytes, log: log, now: time.Now}
}

func (in *Intake) MaxBytes() int64 { return in.maxBytes }

// Save validates and writes one blob and returns the attachment that
// references it.
func (in *Intake) Save(originalName, contentType string, r io.Reader) (*models.Attachment, error) {
	if !Allowed(contentType) {
		return nil, apperr.Invalid("Unsupported file type")
	}
	if err := in.fs.MkdirAll(Dir, 0o755); err != nil {
		return nil, apperr.Internal("create upload dir", err)
	}

	suffix, err := randomSuffix(8)
	if err != nil {
		return nil, apperr.Internal("generate file name", err)
	}
	name := StoredName(in.now(), suffix, originalName)
	ref := path.Join(Dir, name)

	f, err := in.fs.OpenFile(ref, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, apperr.Internal("create upload", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, in.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil || n > in.maxBytes {
		if rerr := in.fs.Remove(ref); rerr != nil {
			in.log.Warn("discard partial upload", zap.String("path", ref), zap.Error(rerr))
		}
		if err != nil {
			return nil, apperr.Internal("write upload", err)
		}
		return nil, apperr.Invalid(fmt.Sprintf("File exceeds %d bytes", in.maxBytes))
	}

	display := strings.TrimSpace(originalName)
	if display == "" {
		display = name
	}
	in.log.Info("stored upload", zap.String("path", ref), zap.Int64("bytes", n), zap.String("mime", contentType))
	return &models.Attachment{Path: ref, Name: display, Mime: contentType}, nil
}

// Remove deletes the blob a reference points at. References outside the
// upload directory are refused.
func (in *Intake) Remove(ref string) error {
	clean := path.Clean("/" + ref)[1:]
	if !strings.HasPrefix(clean, Dir+"/") || clean != ref {
		return fmt.Errorf("refusing to remove %q", ref)
	}
	return in.fs.Remove(clean)
}

// StoredName builds "<unix millis>-<suffix>[.<ext>]" where ext is the
// original extension reduced to ASCII alphanumerics.
func StoredName(now time.Time, suffix, originalName string) string {
	name := fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
	if ext := sanitizeExt(path.Ext(originalName)); ext != "" {
		name += "." + ext
	}
	return name
}

func sanitizeExt(ext string) string {
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, c := range buf {
		buf[i] = base36[int(c)%len(base36)]
	}
	return string(buf), nil
}
