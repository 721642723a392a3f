package types

// ProductKind names one of the per-channel outputs.
type ProductKind string

const (
	ProductExposure   ProductKind = "exposure_times"
	ProductCloud      ProductKind = "cloud"
	ProductNoise      ProductKind = "noise"
	ProductGray       ProductKind = "gray"
	ProductConfidence ProductKind = "conf"
)

// ProductKinds lists every kind in publish order.
var ProductKinds = []ProductKind{
	ProductExposure,
	ProductCloud,
	ProductNoise,
	ProductGray,
	ProductConfidence,
}

// FrameSummary is the lightweight per-frame notice pushed to live UI clients.
type FrameSummary struct {
	Type          string   `json:"type"`
	Channel       int      `json:"channel"`
	StreamID      uint16   `json:"stream_id"`
	UseCase       string   `json:"use_case"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Stamp         float64  `json:"stamp"`
	ExposureTimes []uint32 `json:"exposure_times"`
}
