package domain

import (
	"fmt"
	"sort"
	"strings"
)

type DecayStep struct {
	MaxAgeDays float64 `yaml:"max_age_days" json:"max_age_days"`
	Weight     float64 `yaml:"weight" json:"weight"`
}

type ScoringPolicy struct {
	// Decay steps ordered by MaxAgeDays; events older than the last step use
	// FloorWeight.
	Decay       []DecayStep `yaml:"decay" json:"decay"`
	FloorWeight float64     `yaml:"floor_weight" json:"floor_weight"`

	TrendWindowDays int     `yaml:"trend_window_days" json:"trend_window_days"`
	TrendBand       float64 `yaml:"trend_band" json:"trend_band"`

	MajorChangeDelta int      `yaml:"major_change_delta" json:"major_change_delta"`
	Milestones       []int    `yaml:"milestones" json:"milestones"`
	RedFlagSignals   []string `yaml:"red_flag_signals" json:"red_flag_signals"`

	IntakeMinConfidence float64 `yaml:"intake_min_confidence" json:"intake_min_confidence"`
}

func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Decay: []DecayStep{
			{MaxAgeDays: 7, Weight: 1.0},
			{MaxAgeDays: 30, Weight: 0.9},
			{MaxAgeDays: 60, Weight: 0.75},
			{MaxAgeDays: 90, Weight: 0.6},
		},
		FloorWeight:         0.5,
		TrendWindowDays:     30,
		TrendBand:           2,
		MajorChangeDelta:    5,
		Milestones:          []int{90, 80, 70, 50},
		RedFlagSignals:      []string{"metric_inconsistency", "team_departure", "runway_concern"},
		IntakeMinConfidence: 60,
	}
}

// Validate rejects policies that would break the decay monotonicity or the
// milestone ordering the alert engine relies on.
func (p ScoringPolicy) Validate() error {
	if len(p.Decay) == 0 {
		return fmt.Errorf("decay table is empty")
	}
	prevAge := -1.0
	prevWeight := 1.0
	for i, step := range p.Decay {
		if step.MaxAgeDays <= prevAge {
			return fmt.Errorf("decay step %d: max_age_days must increase", i)
		}
		if step.Weight <= 0 || step.Weight > prevWeight {
			return fmt.Errorf("decay step %d: weight must be in (0, %.2f]", i, prevWeight)
		}
		prevAge = step.MaxAgeDays
		prevWeight = step.Weight
	}
	if p.FloorWeight < 0 || p.FloorWeight > prevWeight {
		return fmt.Errorf("floor_weight must be in [0, %.2f]", prevWeight)
	}
	if p.TrendWindowDays <= 0 {
		return fmt.Errorf("trend_window_days must be positive")
	}
	if p.TrendBand < 0 {
		return fmt.Errorf("trend_band must not be negative")
	}
	if p.MajorChangeDelta <= 0 {
		return fmt.Errorf("major_change_delta must be positive")
	}
	if !sort.SliceIsSorted(p.Milestones, func(i, j int) bool { return p.Milestones[i] > p.Milestones[j] }) {
		return fmt.Errorf("milestones must be in descending order")
	}
	if p.IntakeMinConfidence < 0 || p.IntakeMinConfidence > 100 {
		return fmt.Errorf("intake_min_confidence must be in [0, 100]")
	}
	return nil
}

func (p ScoringPolicy) IsRedFlagSignal(signal string) bool {
	key := SignalKey(signal)
	for _, flagged := range p.RedFlagSignals {
		if key == SignalKey(flagged) {
			return true
		}
	}
	return false
}

// SignalKey turns a human-readable label into a snake_case key:
// "Team departure" -> "team_departure".
func SignalKey(signal string) string {
	fields := strings.FieldsFunc(strings.ToLower(signal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "_")
}
