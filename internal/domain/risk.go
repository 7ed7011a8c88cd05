package domain

// RiskFactors are the contextual signals that adjust an event's base score.
type RiskFactors struct {
	NewOrigin        bool `json:"new_origin"`
	SuspiciousClient bool `json:"suspicious_client"`
	RapidRequests    bool `json:"rapid_requests"`
	FailedAttempts   int  `json:"failed_attempts"`
	GeoAnomaly       bool `json:"geo_anomaly"`
	OffHours         bool `json:"off_hours"`
	FailedOutcome    bool `json:"failed_outcome"`
	PrivilegedAction bool `json:"privileged_action"`
}

// RiskLevel classifies an assessment score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Recommendation is the action an assessment suggests.
type Recommendation string

const (
	RecommendAllow     Recommendation = "allow"
	RecommendChallenge Recommendation = "challenge"
	RecommendBlock     Recommendation = "block"
)

// SubScores are the per-dimension inputs of a risk assessment. Trust,
// Behavior and Environment are in [0,1] where 1 is safest; the rest are
// additive point contributions.
type SubScores struct {
	Trust       float64 `json:"trust"`
	Behavior    float64 `json:"behavior"`
	Environment float64 `json:"environment"`
	Action      float64 `json:"action"`
	Temporal    float64 `json:"temporal"`
	Geo         float64 `json:"geo"`
}

// RiskAssessment is the transient result of a device/behavior risk evaluation.
type RiskAssessment struct {
	Score          float64        `json:"score"`
	Level          RiskLevel      `json:"level"`
	Factors        []string       `json:"factors"`
	SubScores      SubScores      `json:"sub_scores"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	FingerprintID  string         `json:"fingerprint_id,omitempty"`
}
