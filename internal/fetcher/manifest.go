package fetcher

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

const defaultSegmentDuration = 2 * time.Second

// manifestSegment is one media-playlist segment entry resolved against its
// manifest's URL.
type manifestSegment struct {
	Sequence int
	URI      string
	Duration time.Duration
}

// parseManifest parses an HLS manifest fetched from manifestURL. If it is a
// multivariant (master) playlist, variantURI holds the resolved URL of the
// first variant to follow; the caller is expected to re-fetch and re-parse
// that URL. If it is a media playlist, segments holds its entries resolved
// against manifestURL.
func parseManifest(data []byte, manifestURL string) (variantURI string, segments []manifestSegment, err error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return "", nil, fmt.Errorf("parsing manifest: %w", err)
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", nil, fmt.Errorf("parsing manifest URL: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return "", nil, fmt.Errorf("multivariant playlist has no variants")
		}
		resolved, err := resolveURI(base, p.Variants[0].URI)
		if err != nil {
			return "", nil, fmt.Errorf("resolving variant URI: %w", err)
		}
		return resolved, nil, nil

	case *playlist.Media:
		segs := make([]manifestSegment, 0, len(p.Segments))
		for i, seg := range p.Segments {
			resolved, err := resolveURI(base, seg.URI)
			if err != nil {
				return "", nil, fmt.Errorf("resolving segment URI: %w", err)
			}

			duration := seg.Duration
			if duration <= 0 {
				duration = defaultSegmentDuration
			}

			segs = append(segs, manifestSegment{
				Sequence: p.MediaSequence + i,
				URI:      resolved,
				Duration: duration,
			})
		}
		return "", segs, nil

	default:
		return "", nil, fmt.Errorf("unrecognized playlist type %T", pl)
	}
}

func resolveURI(base *url.URL, ref string) (string, error) {
	relURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relURL).String(), nil
}
