package uploads

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestIntake(t *testing.T, max int64) (*Intake, afero.Fs) {
	fs := afero.NewMemMapFs()
	return NewWithFs(fs, max, zaptest.NewLogger(t)), fs
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		mime string
		want bool
	}{
		{"image/png", true},
		{"IMAGE/JPEG", true},
		{"video/mp4", true},
		{"application/pdf", true},
		{"application/pdf; charset=binary", true},
		{"application/pdfx", false},
		{"application/zip", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Allowed(tt.mime), tt.mime)
	}
}

func TestStoredName(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Equal(t, "1700000000123-abcd1234.png", StoredName(now, "abcd1234", "cat.png"))
	assert.Equal(t, "1700000000123-abcd1234.tgz", StoredName(now, "abcd1234", "x.t-g_z"))
	assert.Equal(t, "1700000000123-abcd1234", StoredName(now, "abcd1234", "README"))
	assert.Equal(t, "1700000000123-abcd1234", StoredName(now, "abcd1234", ""))
}

func TestSave(t *testing.T) {
	in, fs := newTestIntake(t, 1024)

	att, err := in.Save("cat.png", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^chat-uploads/\d+-[0-9a-z]{8}\.png$`), att.Path)
	assert.Equal(t, "cat.png", att.Name)
	assert.Equal(t, "image/png", att.Mime)

	data, err := afero.ReadFile(fs, att.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	other, err := in.Save("cat.png", "image/png", strings.NewReader("again"))
	require.NoError(t, err)
	assert.NotEqual(t, att.Path, other.Path)
}

func TestSaveRejects(t *testing.T) {
	in, fs := newTestIntake(t, 4)

	_, err := in.Save("a.zip", "application/zip", strings.NewReader("zip"))
	assert.True(t, apperr.Is(err, apperr.KindInvalid))

	_, err = in.Save("big.png", "image/png", bytes.NewReader(make([]byte, 5)))
	assert.True(t, apperr.Is(err, apperr.KindInvalid))

	entries, err := afero.ReadDir(fs, Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "oversized upload must not be left behind")
}

func TestRemove(t *testing.T) {
	in, fs := newTestIntake(t, 1024)
	require.NoError(t, afero.WriteFile(fs, "secret.txt", []byte("x"), 0o644))

	att, err := in.Save("doc.pdf", "application/pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	require.NoError(t, in.Remove(att.Path))
	exists, err := afero.Exists(fs, att.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	for _, ref := range []string{"secret.txt", "chat-uploads/../secret.txt", "/chat-uploads/x", ""} {
		assert.Error(t, in.Remove(ref), ref)
	}
	exists, err = afero.Exists(fs, "secret.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}
