// health_scoring.go: health score computation and check outcome transitions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import "time"

const (
	// Penalties subtracted from a perfect score of 100.
	warningPenalty  = 15.0
	criticalPenalty = 40.0
	probePenalty    = 35.0

	// Lower bounds of the status bands.
	healthyScore  = 90.0
	degradedScore = 70.0
	unhealthyMin  = 30.0
)

// HealthThresholds holds warning and critical limits per signal. A zero limit
// disables that band for the signal.
type HealthThresholds struct {
	CPUWarning           float64       `json:"cpu_warning" yaml:"cpu_warning"`
	CPUCritical          float64       `json:"cpu_critical" yaml:"cpu_critical"`
	MemoryWarningMB      float64       `json:"memory_warning_mb" yaml:"memory_warning_mb"`
	MemoryCriticalMB     float64       `json:"memory_critical_mb" yaml:"memory_critical_mb"`
	ErrorRateWarning     float64       `json:"error_rate_warning" yaml:"error_rate_warning"`
	ErrorRateCritical    float64       `json:"error_rate_critical" yaml:"error_rate_critical"`
	ResponseTimeWarning  time.Duration `json:"response_time_warning" yaml:"response_time_warning"`
	ResponseTimeCritical time.Duration `json:"response_time_critical" yaml:"response_time_critical"`
}

// DefaultHealthThresholds returns the limits used when none are configured.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		CPUWarning:           70,
		CPUCritical:          90,
		MemoryWarningMB:      100,
		MemoryCriticalMB:     500,
		ErrorRateWarning:     0.05,
		ErrorRateCritical:    0.15,
		ResponseTimeWarning:  500 * time.Millisecond,
		ResponseTimeCritical: 2 * time.Second,
	}
}

// ScoreInput is the raw material of one score.
type ScoreInput struct {
	CPUPercent    float64
	MemoryMB      float64
	ErrorRate     float64
	ResponseTime  time.Duration
	FailingProbes int
}

// ScoreHealth maps resource readings and probe results to a 0-100 score.
//
// The score is monotone: raising any reading or adding a failing probe never
// raises the score.
func ScoreHealth(in ScoreInput, th HealthThresholds) float64 {
	score := 100.0
	score -= bandPenalty(in.CPUPercent, th.CPUWarning, th.CPUCritical)
	score -= bandPenalty(in.MemoryMB, th.MemoryWarningMB, th.MemoryCriticalMB)
	score -= bandPenalty(in.ErrorRate, th.ErrorRateWarning, th.ErrorRateCritical)
	score -= bandPenalty(in.ResponseTime.Seconds(), th.ResponseTimeWarning.Seconds(), th.ResponseTimeCritical.Seconds())
	if in.FailingProbes > 0 {
		score -= probePenalty * float64(in.FailingProbes)
	}
	if score < 0 {
		return 0
	}
	return score
}

func bandPenalty(value, warning, critical float64) float64 {
	switch {
	case critical > 0 && value >= critical:
		return criticalPenalty
	case warning > 0 && value >= warning:
		return warningPenalty
	default:
		return 0
	}
}

// StatusForScore maps a score to its status band.
func StatusForScore(score float64) HealthStatus {
	switch {
	case score >= healthyScore:
		return StatusHealthy
	case score >= degradedScore:
		return StatusDegraded
	case score >= unhealthyMin:
		return StatusUnhealthy
	default:
		return StatusCritical
	}
}

// MonitorPhase names the state of a monitoring loop within one check cycle.
type MonitorPhase int

const (
	PhaseIdle MonitorPhase = iota
	PhaseMonitoring
	PhaseCheckRunning
	PhaseScored
	PhasePassed
	PhaseFailed
	PhaseRecoveryTriggered
)

func (p MonitorPhase) String() string {
	switch p {
	case PhaseMonitoring:
		return "monitoring"
	case PhaseCheckRunning:
		return "check_running"
	case PhaseScored:
		return "scored"
	case PhasePassed:
		return "passed"
	case PhaseFailed:
		return "failed"
	case PhaseRecoveryTriggered:
		return "recovery_triggered"
	default:
		return "idle"
	}
}

// checkStreak holds the consecutive pass and fail counters of one loop.
type checkStreak struct {
	passes   int
	failures int
}

// checkOutcome is what one scored check asks the loop to do.
type checkOutcome struct {
	phase        MonitorPhase
	emitPassed   bool
	emitFailed   bool
	triggerRecov bool
}

// transition applies one scored check to the streak.
//
// A pass resets the failure count and emits a passed event exactly when the pass
// count reaches successThreshold. A failure resets the pass count, always emits
// a failed event, and triggers recovery when the failure count reaches
// failureThreshold, after which the failure count starts over.
func transition(streak *checkStreak, status HealthStatus, successThreshold, failureThreshold int) checkOutcome {
	if successThreshold < 1 {
		successThreshold = 1
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	if status.Passed() {
		streak.failures = 0
		streak.passes++
		return checkOutcome{
			phase:      PhasePassed,
			emitPassed: streak.passes == successThreshold,
		}
	}

	streak.passes = 0
	streak.failures++
	out := checkOutcome{phase: PhaseFailed, emitFailed: true}
	if streak.failures >= failureThreshold {
		out.phase = PhaseRecoveryTriggered
		out.triggerRecov = true
		streak.failures = 0
	}
	return out
}
