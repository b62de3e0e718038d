package model

import (
	"encoding/json"
)

// VideoInfo is the first video stream as reported by ffprobe.
type VideoInfo struct {
	CodecName          string `json:"codec_name,omitempty"`
	Width              int    `json:"width,omitempty"`
	Height             int    `json:"height,omitempty"`
	DisplayAspectRatio string `json:"display_aspect_ratio,omitempty"`
	Duration           string `json:"duration,omitempty"`
	BitRate            string `json:"bit_rate,omitempty"`
}

// FileInfo is a best-effort snapshot of a media file. Every field is optional.
type FileInfo struct {
	Size int64 `json:"size,omitempty"`
	VideoInfo
}

func (f *FileInfo) JSON() []byte {
	js, _ := json.Marshal(f)

	return js
}
