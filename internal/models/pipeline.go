package models

import (
	"strconv"
	"time"
)

// StreamId identifies one pipeline session. It is opaque, stable for the
// lifetime of the session, and must be URL-safe since it is embedded in
// publish URLs and on-disk paths.
type StreamId string

// Segment is one media file referenced by one HLS manifest entry.
type Segment struct {
	Sequence int           // canonical sequence number, strictly increasing per stream
	URI      string        // manifest-declared, possibly relative, segment URI
	Duration time.Duration // declared duration; defaults to 2s if the manifest omits it
	Path     string        // on-disk path under original_stream/{streamId}/
	Size     int64         // bytes written
}

// Batch is an ordered, contiguous group of segments totalling at least the
// configured buffer duration, processed as a unit.
type Batch struct {
	StreamId      StreamId
	BatchNumber   int // globally monotonic per stream, starting at 0
	Segments      []Segment
	TotalDuration time.Duration
	ConcatPath    string // path to the byte-concatenated container, set once computed
}

// DemuxedOutput is the pair of elementary fragments AudioProcessor produces
// from one batch.
type DemuxedOutput struct {
	StreamId    StreamId
	BatchNumber int
	VideoPath   string
	AudioPath   string
	VideoSize   int64
	AudioSize   int64
}

// ProcessedAudio is the audio fragment returned by the external speech
// processor for one batch.
type ProcessedAudio struct {
	StreamId    StreamId
	BatchNumber int
	AudioPath   string
	Size        int64
}

// RemuxedOutput is the single-container (one video, one audio track) result
// of combining a DemuxedOutput's video half with its ProcessedAudio.
type RemuxedOutput struct {
	StreamId    StreamId
	BatchNumber int
	OutputPath  string
	Size        int64
}

// FragmentDescriptor identifies one outbound WebSocket request/response pair.
// Id has the form "{streamId}_batch-{N}" and is echoed back unchanged by the
// processor.
type FragmentDescriptor struct {
	Id          string
	StreamId    StreamId
	BatchNumber int
	ContentType string
	Size        int64
	Duration    time.Duration
	Timestamp   time.Time
}

// NewFragmentDescriptor builds the descriptor for one batch's audio fragment.
func NewFragmentDescriptor(streamID StreamId, batchNumber int, contentType string, size int64, duration time.Duration) FragmentDescriptor {
	return FragmentDescriptor{
		Id:          FragmentId(streamID, batchNumber),
		StreamId:    streamID,
		BatchNumber: batchNumber,
		ContentType: contentType,
		Size:        size,
		Duration:    duration,
		Timestamp:   time.Now(),
	}
}

// FragmentId computes the canonical "{streamId}_batch-{N}" identifier.
func FragmentId(streamID StreamId, batchNumber int) string {
	return string(streamID) + "_batch-" + strconv.Itoa(batchNumber)
}

// PublishedWindow is the ordered sequence of recently-published batch
// numbers the StreamPublisher retains on disk.
type PublishedWindow struct {
	StreamId     StreamId
	BatchNumbers []int
}
