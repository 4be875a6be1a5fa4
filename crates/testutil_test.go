package crates

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
	mode     int64
}

func makeArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
			if typeflag == tar.TypeDir {
				mode = 0o755
			}
		}
		header := &tar.Header{
			Name:     e.name,
			Typeflag: typeflag,
			Linkname: e.linkname,
			Mode:     mode,
		}
		if typeflag == tar.TypeReg {
			header.Size = int64(len(e.body))
		}
		require.NoError(t, tarWriter.WriteHeader(header))
		if typeflag == tar.TypeReg {
			_, err := tarWriter.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tarWriter.Close())
	require.NoError(t, gzipWriter.Close())
	return buf.Bytes()
}

func makeCrate(t *testing.T, name, version string, files map[string]string) []byte {
	t.Helper()
	prefix := name + "-" + version + "/"
	entries := []tarEntry{{name: prefix, typeflag: tar.TypeDir}}
	for path, body := range files {
		entries = append(entries, tarEntry{name: prefix + path, body: body})
	}
	return makeArchive(t, entries)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
