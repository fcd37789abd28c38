package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		VisualWeight:          0.30,
		AudioWeight:           0.30,
		KeywordWeight:         0.20,
		DisclosureWeight:      0.20,
		DecisionThreshold:     0.5,
		AcquisitionPct:        20,
		VisualPct:             55,
		AudioPct:              70,
		DisclosurePct:         85,
		MaxAppearanceSecs:     5.0,
		DefaultAppearanceSecs: 2.0,
		KeywordSaturation:     10.0,
	}
}

func TestScore_WeightedSum(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	confidence, hasAd, err := agg.Score(0.8, 0.6, 0.4, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.58, confidence, 1e-9)
	assert.True(t, hasAd)
}

func TestScore_BelowThreshold(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	confidence, hasAd, err := agg.Score(0.3, 0.2, 0.1, 0.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.17, confidence, 1e-9)
	assert.False(t, hasAd)
}

func TestScore_ExactThresholdIsPositive(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	confidence, hasAd, err := agg.Score(0.5, 0.5, 0.5, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, confidence, 1e-9)
	assert.True(t, hasAd)
}

func TestScore_MissingSignalsNotRenormalized(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	// A perfect visual signal alone must stay at its weight, not be
	// scaled up to compensate for the zeroed signals.
	confidence, hasAd, err := agg.Score(1.0, 0, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.30, confidence, 1e-9)
	assert.False(t, hasAd)
}

func TestScore_BadWeightsRejected(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.VisualWeight = 0.5
	agg := NewAggregator(cfg)

	_, _, err := agg.Score(0.5, 0.5, 0.5, 0.5)
	require.Error(t, err)
	var invariant *ScoringInvariantError
	assert.ErrorAs(t, err, &invariant)
}

func TestScore_InputOutOfRangeRejected(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	for _, bad := range []float64{-0.1, 1.1} {
		_, _, err := agg.Score(bad, 0, 0, 0)
		require.Error(t, err)
		var invariant *ScoringInvariantError
		assert.ErrorAs(t, err, &invariant)
	}
}

func TestVisualScore_MaxDetectionConfidence(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	score := agg.VisualScore([]visual.Detection{
		{Brand: "Nike", Confidence: 0.4, Timestamp: 1.0},
		{Brand: "Adidas", Confidence: 0.9, Timestamp: 2.0},
		{Brand: "Nike", Confidence: 0.6, Timestamp: 3.0},
	})
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestVisualScore_Empty(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())
	assert.Zero(t, agg.VisualScore(nil))
}

func TestAudioScore_SaturatesAtConfiguredCount(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	half := agg.AudioScore([]audio.KeywordHit{{Keyword: "discount", Count: 5}})
	assert.InDelta(t, 0.5, half, 1e-9)

	full := agg.AudioScore([]audio.KeywordHit{
		{Keyword: "discount", Count: 9},
		{Keyword: "promo", Count: 6},
	})
	assert.InDelta(t, 1.0, full, 1e-9)
}

func TestKeywordScore_DistinctBreadth(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	score := agg.KeywordScore([]audio.KeywordHit{
		{Keyword: "discount", Count: 3},
		{Keyword: "promo", Count: 1},
		{Keyword: "sponsor", Count: 1},
	})
	assert.InDelta(t, 0.6, score, 1e-9)

	many := make([]audio.KeywordHit, 7)
	for i := range many {
		many[i] = audio.KeywordHit{Keyword: string(rune('a' + i)), Count: 1}
	}
	assert.InDelta(t, 1.0, agg.KeywordScore(many), 1e-9)
}

func TestDisclosureScore_MaxMarkerConfidence(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	score := agg.DisclosureScore([]disclosure.Marker{
		{Marker: "link in bio", Confidence: 0.4},
		{Marker: "#ad", Confidence: 0.95},
	})
	assert.InDelta(t, 0.95, score, 1e-9)
}

func TestMergeBrands_CaseInsensitiveMerge(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	brands := agg.MergeBrands([]visual.Detection{
		{Brand: "Nike", Confidence: 0.8, Timestamp: 5.0},
		{Brand: "NIKE", Confidence: 0.9, Timestamp: 5.3},
	})
	require.Len(t, brands, 1)
	assert.Equal(t, "Nike", brands[0].Name)
	assert.InDelta(t, 0.9, brands[0].Confidence, 1e-9)
	assert.Equal(t, []float64{5.0, 5.3}, brands[0].Timestamps)
	// 0.3s gap to the next sighting, then the 2s default for the last.
	assert.InDelta(t, 2.3, brands[0].TotalExposureSeconds, 1e-9)
}

func TestMergeBrands_GapCappedPerAppearance(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	brands := agg.MergeBrands([]visual.Detection{
		{Brand: "Acme", Confidence: 0.7, Timestamp: 0},
		{Brand: "Acme", Confidence: 0.7, Timestamp: 1},
		{Brand: "Acme", Confidence: 0.7, Timestamp: 2},
		{Brand: "Acme", Confidence: 0.7, Timestamp: 30},
	})
	require.Len(t, brands, 1)
	// Gaps 1 + 1 + min(28, 5), plus the 2s default for the last sighting.
	assert.InDelta(t, 9.0, brands[0].TotalExposureSeconds, 1e-9)
}

func TestMergeBrands_SingleSightingUsesDefault(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	brands := agg.MergeBrands([]visual.Detection{
		{Brand: "Acme", Confidence: 0.7, Timestamp: 42.0},
	})
	require.Len(t, brands, 1)
	assert.InDelta(t, 2.0, brands[0].TotalExposureSeconds, 1e-9)
}

func TestMergeBrands_SortedByExposure(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	brands := agg.MergeBrands([]visual.Detection{
		{Brand: "Minor", Confidence: 0.5, Timestamp: 1.0},
		{Brand: "Major", Confidence: 0.6, Timestamp: 10.0},
		{Brand: "Major", Confidence: 0.6, Timestamp: 12.0},
	})
	require.Len(t, brands, 2)
	assert.Equal(t, "Major", brands[0].Name)
	assert.Equal(t, "Minor", brands[1].Name)
}

func TestMergeBrands_BlankNamesSkipped(t *testing.T) {
	agg := NewAggregator(testPipelineConfig())

	brands := agg.MergeBrands([]visual.Detection{
		{Brand: "  ", Confidence: 0.9, Timestamp: 1.0},
		{Brand: "Acme", Confidence: 0.7, Timestamp: 2.0},
	})
	require.Len(t, brands, 1)
	assert.Equal(t, "Acme", brands[0].Name)
}
