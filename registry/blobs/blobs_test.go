package blobs

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRange_Length(t *testing.T) {
	require.Equal(t, int64(5), Range{Start: 0, End: 4}.Length())
	require.Equal(t, int64(1), Range{Start: 7, End: 7}.Length())
	require.Equal(t, int64(0), Range{Start: 7, End: 6}.Length())
}

func TestLimitedReader(t *testing.T) {
	lr := &limitedReader{r: strings.NewReader("abcdef"), n: 6}
	b, err := io.ReadAll(lr)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(b))
	require.False(t, lr.exceeded)

	lr = &limitedReader{r: strings.NewReader("abcdef"), n: 3}
	_, err = io.Copy(&bytes.Buffer{}, lr)
	require.ErrorIs(t, err, errLimitExceeded)
	require.True(t, lr.exceeded)
	require.Greater(t, lr.read, int64(3))
}

func TestErrors(t *testing.T) {
	require.EqualError(t, LayerTooLargeError{Uploaded: 10, Max: 4}, "uploaded blob is larger than allowed: 10 > 4 bytes")
	require.EqualError(t, RangeError{ByteCount: 11}, "chunk does not start at the upload offset 11")
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	require.Equal(t, defaultTempLinkExpiration, cfg.TempLinkExpiration)
	require.Equal(t, defaultTempLinkExpiration, cfg.MountTempLinkExpiration)
	require.Equal(t, defaultCacheTTL, cfg.CacheTTL)
	require.Equal(t, defaultDownloadURLExpiry, cfg.DownloadURLExpiry)
}
