// Package handlers provides HTTP API handlers for the pipeline service.
package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamforge/live-media-service/internal/ffmpeg"
)

// FFmpegInfoProvider provides FFmpeg binary detection.
type FFmpegInfoProvider interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// SystemHandler handles system information endpoints.
type SystemHandler struct {
	version        string
	ffmpegProvider FFmpegInfoProvider
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(version string, ffmpegProvider FFmpegInfoProvider) *SystemHandler {
	return &SystemHandler{
		version:        version,
		ffmpegProvider: ffmpegProvider,
	}
}

// SystemInfoInput is the input for the system info endpoint.
type SystemInfoInput struct{}

// SystemInfoOutput is the output for the system info endpoint.
type SystemInfoOutput struct {
	Body SystemInfoResponse
}

// SystemInfoResponse reports build version and the detected FFmpeg binary,
// which every AudioProcessor and Remuxer subprocess invocation depends on.
type SystemInfoResponse struct {
	Version          string `json:"version"`
	FFmpegAvailable  bool   `json:"ffmpeg_available"`
	FFmpegPath       string `json:"ffmpeg_path,omitempty"`
	FFprobePath      string `json:"ffprobe_path,omitempty"`
	FFmpegVersion    string `json:"ffmpeg_version,omitempty"`
	FFmpegMajor      int    `json:"ffmpeg_major_version,omitempty"`
	FFmpegMinor      int    `json:"ffmpeg_minor_version,omitempty"`
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSystemInfo",
		Method:      "GET",
		Path:        "/api/system/info",
		Summary:     "Get system information",
		Description: "Returns build version and detected FFmpeg binary information",
		Tags:        []string{"System"},
	}, h.GetSystemInfo)
}

// GetSystemInfo returns build version and FFmpeg binary information.
func (h *SystemHandler) GetSystemInfo(ctx context.Context, input *SystemInfoInput) (*SystemInfoOutput, error) {
	resp := SystemInfoResponse{Version: h.version}

	info, err := h.ffmpegProvider.Detect(ctx)
	if err != nil {
		return &SystemInfoOutput{Body: resp}, nil
	}

	resp.FFmpegAvailable = true
	resp.FFmpegPath = info.FFmpegPath
	resp.FFprobePath = info.FFprobePath
	resp.FFmpegVersion = info.Version
	resp.FFmpegMajor = info.MajorVersion
	resp.FFmpegMinor = info.MinorVersion

	return &SystemInfoOutput{Body: resp}, nil
}
