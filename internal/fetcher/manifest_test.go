package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Media(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:2.000,
seg-42.ts
#EXTINF:2.000,
seg-43.ts
`)

	variantURI, segments, err := parseManifest(data, "http://example.com/live/stream.m3u8")
	require.NoError(t, err)
	assert.Empty(t, variantURI)
	require.Len(t, segments, 2)

	assert.Equal(t, 42, segments[0].Sequence)
	assert.Equal(t, "http://example.com/live/seg-42.ts", segments[0].URI)
	assert.Equal(t, 2*time.Second, segments[0].Duration)

	assert.Equal(t, 43, segments[1].Sequence)
	assert.Equal(t, "http://example.com/live/seg-43.ts", segments[1].URI)
}

func TestParseManifest_Multivariant(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=1280000
low/stream.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000
high/stream.m3u8
`)

	variantURI, segments, err := parseManifest(data, "http://example.com/live/master.m3u8")
	require.NoError(t, err)
	assert.Nil(t, segments)
	assert.Equal(t, "http://example.com/live/low/stream.m3u8", variantURI)
}

func TestParseManifest_InvalidData(t *testing.T) {
	_, _, err := parseManifest([]byte("not an m3u8 file"), "http://example.com/x.m3u8")
	assert.Error(t, err)
}
