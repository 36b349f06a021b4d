package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my photo (1).PNG", "my_photo__1_.PNG"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\café.jpg`, "caf_.jpg"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFileName(tt.in))
		})
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".png", Extension("Shot.PNG"))
	assert.Equal(t, "", Extension("README"))
	assert.Equal(t, ".gz", Extension("a.tar.gz"))
}

func TestJoinRemote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "uploads/x.png", JoinRemote("uploads", "x.png"))
	assert.Equal(t, "/uploads/x.png", JoinRemote("/uploads/", "x.png"))
	assert.Equal(t, "x.png", JoinRemote("", "x.png"))
	assert.Equal(t, "", JoinRemote("", ""))
}

func TestRemoteSegments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "a/b", "a/b/c"}, RemoteSegments("a/b/c"))
	assert.Equal(t, []string{"uploads"}, RemoteSegments("/uploads/"))
	assert.Nil(t, RemoteSegments(""))
	assert.Nil(t, RemoteSegments("/"))
}

func TestToggleLeadingSlash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "uploads/x.png", ToggleLeadingSlash("/uploads/x.png"))
	assert.Equal(t, "/uploads/x.png", ToggleLeadingSlash("uploads/x.png"))
}

func TestRemoteBase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x.png", RemoteBase("upload-tirvu-sprint/x.png"))
	assert.Equal(t, "x.png", RemoteBase("x.png"))
	assert.Equal(t, "dir", RemoteBase("a/dir/"))
	assert.Equal(t, "", RemoteBase(""))
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	got, err := SecureJoin(base, "attachments", "a.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "attachments", "a.png"), got)

	_, err = SecureJoin(base, "..", "etc", "passwd")
	assert.Error(t, err)

	_, err = SecureJoin("", "a")
	assert.Error(t, err)
}

func TestContentTypeByName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "image/jpeg", ContentTypeByName("a.JPG"))
	assert.Equal(t, "application/pdf", ContentTypeByName("invoice.pdf"))
	assert.Equal(t, "application/octet-stream", ContentTypeByName("blob.bin"))
	assert.True(t, IsInlineType("image/png"))
	assert.True(t, IsInlineType("application/pdf"))
	assert.False(t, IsInlineType("application/zip"))
}
