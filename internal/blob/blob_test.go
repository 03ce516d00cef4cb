package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k, err := Key("/status/u1/", "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k, "status/u1/"))
	assert.True(t, strings.HasSuffix(k, ".png"))

	_, err = Key("status", "text/plain")
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example/statuses/a.png",
		objectURL(Config{PublicURL: "https://cdn.example/", Bucket: "statuses"}, "a.png"))
	assert.Equal(t, "http://minio:9000/statuses/a.png",
		objectURL(Config{Endpoint: "minio:9000", Bucket: "statuses"}, "a.png"))
}

func TestNewMinioParsesSchemeEndpoint(t *testing.T) {
	m, err := NewMinio(Config{Endpoint: "https://minio.local:9000", Bucket: "b", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://minio.local:9000/b/x.png", m.URL("x.png"))
}

func TestMemory(t *testing.T) {
	m := NewMemory("mem://blobs/")
	url, err := m.Put(context.Background(), "a/b.png", strings.NewReader("img"), 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "mem://blobs/a/b.png", url)

	b, ok := m.Get("a/b.png")
	require.True(t, ok)
	assert.Equal(t, "img", string(b))

	_, err = m.Put(context.Background(), "c", strings.NewReader("img"), 10, "image/png")
	assert.Error(t, err)

	require.NoError(t, m.Delete(context.Background(), "a/b.png"))
	_, ok = m.Get("a/b.png")
	assert.False(t, ok)
}
