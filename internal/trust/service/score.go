package service

import (
	"math"
	"time"

	"foresight/internal/trust"
	"foresight/pkg/stats"
)

// Sub-score weights. They sum to 1.0 so the final score stays in [0, 100].
const (
	weightVolume         = 0.20
	weightSuccess        = 0.30
	weightAnomalyPenalty = 0.20
	weightSessionQuality = 0.15
	weightRecency        = 0.15
)

// CalculateTrustScore computes the weighted trust score for a profile.
// avgSessionRisk is the mean session risk score (0-100) over the identity's
// recent sessions; zero when no sessions exist. The result is rounded to two
// decimals and always lands in [0, 100].
func CalculateTrustScore(p *trust.ExperienceProfile, avgSessionRisk float64, now time.Time) (float64, trust.ChangeFactors) {
	volume := math.Min(100,
		20*math.Log10(float64(p.TotalInteractions)+1)+
			15*math.Log10(float64(p.TotalDecisions)+1)+
			10*math.Log10(float64(p.TotalEntities)+1))

	success := p.SuccessRate * 100

	anomaly := 100 - math.Min(100, float64(p.AnomalyCount)*10)

	quality := stats.Clamp(100-avgSessionRisk, 0, 100)

	recency := 0.0
	if !p.NewestInteraction.IsZero() {
		days := now.Sub(p.NewestInteraction).Hours() / 24
		recency = math.Max(0, 100-2*days)
	}

	factors := trust.ChangeFactors{
		Volume:         factor(volume, weightVolume),
		Success:        factor(success, weightSuccess),
		AnomalyPenalty: factor(anomaly, weightAnomalyPenalty),
		SessionQuality: factor(quality, weightSessionQuality),
		Recency:        factor(recency, weightRecency),
	}

	score := factors.Volume.Contribution +
		factors.Success.Contribution +
		factors.AnomalyPenalty.Contribution +
		factors.SessionQuality.Contribution +
		factors.Recency.Contribution

	return math.Round(score*100) / 100, factors
}

func factor(score, weight float64) trust.Factor {
	return trust.Factor{
		Score:        score,
		Weight:       weight,
		Contribution: score * weight,
	}
}

// LevelForScore discretizes a trust score into the six trust bands. Boundary
// values map to the higher band.
func LevelForScore(score float64) int {
	switch {
	case score >= 90:
		return trust.LevelExemplary
	case score >= 75:
		return trust.LevelEstablished
	case score >= 50:
		return trust.LevelStandard
	case score >= 25:
		return trust.LevelProbationary
	case score >= 10:
		return trust.LevelLimited
	default:
		return trust.LevelRestricted
	}
}
