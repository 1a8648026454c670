package workspace

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "workspaces/makex-1a2b/workspace.tar.gz", ObjectKey("makex-1a2b"))
}

func TestCompressDecompress(t *testing.T) {
	var tarball bytes.Buffer
	tw := tar.NewWriter(&tarball)
	content := []byte("export default function App() {}")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "app/App.tsx", Mode: 0644, Size: int64(len(content))}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	compressed, err := Compress(bytes.NewReader(tarball.Bytes()))
	require.NoError(t, err)

	rc, err := Decompress(io.NopCloser(compressed))
	require.NoError(t, err)
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "app/App.tsx", hdr.Name)

	got, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDecompressRejectsPlainData(t *testing.T) {
	_, err := Decompress(io.NopCloser(bytes.NewReader([]byte("not gzip"))))
	assert.Error(t, err)
}

func TestEncodeDecodeMeta(t *testing.T) {
	meta := map[string]string{
		"makex.app_id":   "app-1",
		"makex.user_id":  "user-1",
		"makex.app_name": "Café demo",
		"makex.image":    "makex/expo-sandbox:latest",
	}

	encoded, err := EncodeMeta(meta)
	require.NoError(t, err)
	assert.NotContains(t, encoded, ".")

	got, err := DecodeMeta(encoded)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestEncodeMeta_Empty(t *testing.T) {
	encoded, err := EncodeMeta(nil)
	require.NoError(t, err)
	assert.Empty(t, encoded)

	got, err := DecodeMeta("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeMeta_RejectsGarbage(t *testing.T) {
	_, err := DecodeMeta("%%%")
	assert.Error(t, err)
}

func TestLookupMeta_IgnoresCase(t *testing.T) {
	assert.Equal(t, "v", lookupMeta(map[string]string{"Makex-Meta": "v"}, "makex-meta"))
	assert.Empty(t, lookupMeta(map[string]string{"Other": "v"}, metaKey))
}
