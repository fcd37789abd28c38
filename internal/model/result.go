package model

// AnalysisResult is the aggregated output of a completed job. Immutable
// once written.
type AnalysisResult struct {
	DurationSeconds float64 `json:"duration_seconds"`

	VisualScore     float64 `json:"visual_score"`
	AudioScore      float64 `json:"audio_score"`
	KeywordScore    float64 `json:"keyword_score"`
	DisclosureScore float64 `json:"disclosure_score"`

	ConfidenceScore float64 `json:"confidence_score"`
	HasAdvertising  bool    `json:"has_advertising"`

	DetectedBrands []BrandDetection `json:"detected_brands,omitempty"`

	Transcript        string             `json:"transcript,omitempty"`
	Keywords          []KeywordHit       `json:"keywords,omitempty"`
	DisclosureMarkers []DisclosureMarker `json:"disclosure_markers,omitempty"`

	// DegradedSignals names extractors that failed recoverably and were
	// scored as zero instead of failing the job.
	DegradedSignals []string `json:"degraded_signals,omitempty"`
}

// BrandDetection is one brand's merged exposure timeline.
type BrandDetection struct {
	Name                 string    `json:"name"`
	Confidence           float64   `json:"confidence"`
	Timestamps           []float64 `json:"timestamps"`
	TotalExposureSeconds float64   `json:"total_exposure_seconds"`
}

// KeywordHit counts occurrences of one advertising keyword in the transcript.
type KeywordHit struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// DisclosureMarker is one detected disclosure phrase or tag.
type DisclosureMarker struct {
	Marker     string  `json:"marker"`
	Confidence float64 `json:"confidence"`
	Excerpt    string  `json:"excerpt,omitempty"`
}
