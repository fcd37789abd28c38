package pipeline

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

// distinctKeywordSaturation is the distinct-keyword count at which the
// keyword signal saturates to 1.
const distinctKeywordSaturation = 5.0

// Aggregator is the deterministic scoring function turning extractor
// outputs into a confidence score, a verdict, and a brand timeline.
type Aggregator struct {
	cfg   config.PipelineConfig
	caser cases.Caser
}

// NewAggregator creates an Aggregator with the configured weights and
// thresholds.
func NewAggregator(cfg config.PipelineConfig) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		caser: cases.Title(language.English),
	}
}

// Score computes the weighted confidence and the advertising verdict.
// Weights are not renormalized when signals are missing: partial evidence
// must not inflate confidence. Inputs outside [0,1] or weights not summing
// to 1 indicate a programming bug and return a ScoringInvariantError.
func (a *Aggregator) Score(visualScore, audioScore, keywordScore, disclosureScore float64) (float64, bool, error) {
	weightSum := a.cfg.VisualWeight + a.cfg.AudioWeight + a.cfg.KeywordWeight + a.cfg.DisclosureWeight
	if math.Abs(weightSum-1.0) > 1e-9 {
		return 0, false, &ScoringInvariantError{Reason: "weights do not sum to 1"}
	}
	for _, s := range []float64{visualScore, audioScore, keywordScore, disclosureScore} {
		if math.IsNaN(s) || s < 0 || s > 1 {
			return 0, false, &ScoringInvariantError{Reason: "signal score outside [0,1]"}
		}
	}

	confidence := a.cfg.VisualWeight*visualScore +
		a.cfg.AudioWeight*audioScore +
		a.cfg.KeywordWeight*keywordScore +
		a.cfg.DisclosureWeight*disclosureScore

	return confidence, confidence >= a.cfg.DecisionThreshold, nil
}

// VisualScore derives the visual signal from raw detections: the highest
// single-sighting confidence, 0 when nothing was seen.
func (a *Aggregator) VisualScore(detections []visual.Detection) float64 {
	score := 0.0
	for _, d := range detections {
		if d.Confidence > score {
			score = d.Confidence
		}
	}
	return clamp01(score)
}

// AudioScore derives the speech signal from keyword hits: total
// occurrences saturating at the configured count.
func (a *Aggregator) AudioScore(hits []audio.KeywordHit) float64 {
	total := 0
	for _, h := range hits {
		total += h.Count
	}
	if a.cfg.KeywordSaturation <= 0 {
		return 0
	}
	return clamp01(float64(total) / a.cfg.KeywordSaturation)
}

// KeywordScore derives the text signal from keyword breadth: distinct
// matched keywords saturating at distinctKeywordSaturation.
func (a *Aggregator) KeywordScore(hits []audio.KeywordHit) float64 {
	distinct := 0
	for _, h := range hits {
		if h.Count > 0 {
			distinct++
		}
	}
	return clamp01(float64(distinct) / distinctKeywordSaturation)
}

// DisclosureScore derives the disclosure signal: the highest marker
// confidence.
func (a *Aggregator) DisclosureScore(markers []disclosure.Marker) float64 {
	score := 0.0
	for _, m := range markers {
		if m.Confidence > score {
			score = m.Confidence
		}
	}
	return clamp01(score)
}

// MergeBrands builds the deduplicated brand exposure timeline. Brand names
// are case-normalized and merged; per-appearance exposure is the gap to the
// next sighting capped at the configured maximum, with a default duration
// for the last or only sighting so one detection is never counted as a
// multi-minute exposure.
func (a *Aggregator) MergeBrands(detections []visual.Detection) []model.BrandDetection {
	type group struct {
		name       string
		confidence float64
		timestamps []float64
	}
	groups := make(map[string]*group)

	for _, d := range detections {
		name := strings.TrimSpace(d.Brand)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		g, ok := groups[key]
		if !ok {
			g = &group{name: a.caser.String(key)}
			groups[key] = g
		}
		if d.Confidence > g.confidence {
			g.confidence = d.Confidence
		}
		g.timestamps = append(g.timestamps, d.Timestamp)
	}

	brands := make([]model.BrandDetection, 0, len(groups))
	for _, g := range groups {
		sort.Float64s(g.timestamps)

		exposure := 0.0
		for i, ts := range g.timestamps {
			if i == len(g.timestamps)-1 {
				exposure += a.cfg.DefaultAppearanceSecs
				continue
			}
			gap := g.timestamps[i+1] - ts
			if gap > a.cfg.MaxAppearanceSecs {
				gap = a.cfg.MaxAppearanceSecs
			}
			exposure += gap
		}

		brands = append(brands, model.BrandDetection{
			Name:                 g.name,
			Confidence:           g.confidence,
			Timestamps:           g.timestamps,
			TotalExposureSeconds: exposure,
		})
	}

	// Strongest exposure first, name as tiebreak for stable output.
	sort.Slice(brands, func(i, j int) bool {
		if brands[i].TotalExposureSeconds != brands[j].TotalExposureSeconds {
			return brands[i].TotalExposureSeconds > brands[j].TotalExposureSeconds
		}
		return brands[i].Name < brands[j].Name
	})
	return brands
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
