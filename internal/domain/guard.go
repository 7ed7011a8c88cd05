package domain

// GuardResult is the verdict of a request guard.
type GuardResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Guard   string `json:"guard,omitempty"` // which guard blocked
}

// Allow is the passing GuardResult.
var Allow = GuardResult{Allowed: true}
