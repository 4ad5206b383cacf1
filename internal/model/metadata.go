package model

// Format describes one stream combination a platform offers for a URL.
type Format struct {
	ID         string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	Filesize   int64  `json:"filesize,omitempty"`
	Height     int    `json:"height,omitempty"`
	Width      int    `json:"width,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
}

// Metadata is the result of an info probe against a platform URL.
type Metadata struct {
	Title        string   `json:"title"`
	Duration     float64  `json:"duration"` // seconds
	ThumbnailURL string   `json:"thumbnail"`
	Uploader     string   `json:"uploader,omitempty"`
	Platform     string   `json:"platform"`
	Formats      []Format `json:"formats"`
}

// ProgressEvent is one structured progress record pushed to observers.
// Terminal reports whether the event closes the job's event stream; at least
// one terminal event is delivered per job even when intermediate events are
// dropped.
type ProgressEvent struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message"`
	Terminal bool      `json:"terminal"`
}
