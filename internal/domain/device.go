package domain

import "time"

// DeviceFingerprint is a composite hash of client signals.
type DeviceFingerprint struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Signals    map[string]string `json:"signals"`
	Confidence float64           `json:"confidence"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
}

// ClientSignals are the raw attributes a client reports about itself.
type ClientSignals struct {
	UserAgent        string   `json:"user_agent"`
	Platform         string   `json:"platform"`
	Language         string   `json:"language"`
	Timezone         string   `json:"timezone"`
	ScreenResolution string   `json:"screen_resolution"`
	ColorDepth       int      `json:"color_depth"`
	CanvasHash       string   `json:"canvas_hash"`
	WebGLRenderer    string   `json:"webgl_renderer"`
	AudioHash        string   `json:"audio_hash"`
	Fonts            []string `json:"fonts"`
	Plugins          []string `json:"plugins"`
	LocalStorage     bool     `json:"local_storage"`
	SessionStorage   bool     `json:"session_storage"`
	IndexedDB        bool     `json:"indexed_db"`
	ConnectionType   string   `json:"connection_type"`
	DownlinkMbps     float64  `json:"downlink_mbps"`
	RTTMillis        int      `json:"rtt_ms"`
	CPUCores         int      `json:"cpu_cores"`
	DeviceMemoryGB   float64  `json:"device_memory_gb"`
	TouchPoints      int      `json:"touch_points"`
	PointerType      string   `json:"pointer_type"`
	HoverCapable     bool     `json:"hover_capable"`
}

// BehaviorSignals describe how the client behaved during the current visit.
type BehaviorSignals struct {
	SessionDuration time.Duration `json:"session_duration"`
	Interactions    int           `json:"interactions"`
	PageViews       int           `json:"page_views"`
}

// IsZero reports whether no behavioral data was captured.
func (b BehaviorSignals) IsZero() bool {
	return b.SessionDuration == 0 && b.Interactions == 0 && b.PageViews == 0
}

// AssessmentContext is everything the assessor knows about a request.
type AssessmentContext struct {
	Origin    Origin          `json:"origin"`
	Signals   ClientSignals   `json:"signals"`
	Behavior  BehaviorSignals `json:"behavior"`
	ProxyHint bool            `json:"proxy_hint"`
	GeoRisk   float64         `json:"geo_risk"`
}
