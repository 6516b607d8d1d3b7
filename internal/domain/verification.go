package domain

import "time"

// CorrelationMatch pairs two events from different sources judged to
// describe the same occurrence. All agreement scores are in [0,1].
type CorrelationMatch struct {
	A                  Event         `json:"a"`
	B                  Event         `json:"b"`
	TimeDiff           time.Duration `json:"time_diff"`
	DistanceKm         float64       `json:"distance_km"`
	TimeAgreement      float64       `json:"time_agreement"`
	LocationAgreement  float64       `json:"location_agreement"`
	MagnitudeAgreement float64       `json:"magnitude_agreement"`
	Agreement          float64       `json:"agreement"`
}

// PairAgreement aggregates the matches between two sources in one cycle.
// The component fields are means over the matched (or, with no match,
// evaluated) event pairs.
type PairAgreement struct {
	SourceA            string  `json:"source_a"`
	SourceB            string  `json:"source_b"`
	Agreement          float64 `json:"agreement"`
	Matches            int     `json:"matches"`
	TimeAgreement      float64 `json:"time_agreement"`
	LocationAgreement  float64 `json:"location_agreement"`
	MagnitudeAgreement float64 `json:"magnitude_agreement"`
}

// DiscrepancyCause names the component most responsible for disagreement.
type DiscrepancyCause string

const (
	CauseLocation  DiscrepancyCause = "location_mismatch"
	CauseMagnitude DiscrepancyCause = "magnitude_mismatch"
	CauseTime      DiscrepancyCause = "time_mismatch"
)

// Discrepancy is raised when independent sources disagree beyond tolerance.
type Discrepancy struct {
	ID         string           `json:"id"`
	SourceA    string           `json:"source_a"`
	SourceB    string           `json:"source_b,omitempty"`
	Cause      DiscrepancyCause `json:"cause"`
	Agreement  float64          `json:"agreement"`
	Threshold  float64          `json:"threshold"`
	DetectedAt time.Time        `json:"detected_at"`
	Realtime   bool             `json:"realtime"`
	Event      *Event           `json:"event,omitempty"` // live event that triggered a realtime check
}

// ConsensusEvent is the weighted fusion of one correlated cluster.
type ConsensusEvent struct {
	ID           string      `json:"id"`
	Time         time.Time   `json:"time"`
	Coordinates  Coordinates `json:"coordinates"`
	Magnitude    *float64    `json:"magnitude,omitempty"`
	Location     string      `json:"location"`
	Place        string      `json:"place,omitempty"`
	Confidence   float64     `json:"confidence"`
	SourceCount  int         `json:"source_count"`
	Contributors []string    `json:"contributors"` // event IDs
	Degraded     bool        `json:"degraded,omitempty"`
}

// CycleStatus describes how a verification cycle ended.
type CycleStatus string

const (
	CycleOK        CycleStatus = "ok"
	CycleNoSources CycleStatus = "no_sources"
	CycleAborted   CycleStatus = "aborted"
)

// VerificationResult is the outcome of one verification cycle.
type VerificationResult struct {
	ID            string             `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	Status        CycleStatus        `json:"status"`
	ActiveSources int                `json:"active_sources"`
	SourceCount   int                `json:"source_count"` // sources that supplied data
	FailedSources []string           `json:"failed_sources,omitempty"`
	Agreement     float64            `json:"agreement"`
	Pairs         []PairAgreement    `json:"pairs,omitempty"`
	Matches       []CorrelationMatch `json:"matches,omitempty"`
	Consensus     []ConsensusEvent   `json:"consensus"`
	Discrepancies []Discrepancy      `json:"discrepancies,omitempty"`
	Reliability   map[string]float64 `json:"reliability"`
	Duration      time.Duration      `json:"duration"`
}

// SystemStatus is the summary exposed to collaborators.
type SystemStatus struct {
	ActiveSourceCount      int       `json:"active_source_count"`
	LastVerification       time.Time `json:"last_verification_timestamp,omitzero"`
	OverallReliability     float64   `json:"overall_reliability"`
	CacheSize              int       `json:"cache_size"`
	VerificationCycleCount int64     `json:"verification_cycle_count"`
	State                  string    `json:"state"`
	NoDataSources          bool      `json:"no_data_sources"`
}
