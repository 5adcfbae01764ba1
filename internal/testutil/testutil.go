// Package testutil writes small media fixtures for tests.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteIVF writes an IVF file with n tiny frames at a 1/100 timebase and
// returns its path. fourCC is "VP80" or "VP90" for playable files.
func WriteIVF(t testing.TB, fourCC string, n int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:], fourCC)
	binary.LittleEndian.PutUint16(header[12:], 320)
	binary.LittleEndian.PutUint16(header[14:], 240)
	binary.LittleEndian.PutUint32(header[16:], 100)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	buf := header
	for i := 0; i < n; i++ {
		// Keyframe bit clear, so receivers treat every frame as a keyframe.
		payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(payload)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, payload...)
	}

	path := filepath.Join(t.TempDir(), "video.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}
