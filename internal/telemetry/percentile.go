package telemetry

import (
	"math"
	"sort"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. ok is false for an empty input.
func Percentile(values []float64, p float64) (value float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p), true
}

func percentileSorted(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// LatencyFromSamples summarises latency samples. An empty sequence is
// reported as no_data, never as zero latency.
func LatencyFromSamples(samples []model.MetricSample) model.LatencyReport {
	if len(samples) == 0 {
		return model.LatencyReport{Status: model.FieldNoData}
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	return model.LatencyReport{
		Status:  model.FieldOK,
		P50:     percentileSorted(values, 50),
		P95:     percentileSorted(values, 95),
		P99:     percentileSorted(values, 99),
		Samples: len(values),
	}
}

// ErrorsFromTraces computes the error rate over sampled traces and keeps up
// to limit failing traces, slowest first. With no traces the rate is
// undetermined rather than zero.
func ErrorsFromTraces(traces []model.TraceSample, limit int) model.ErrorReport {
	var failing []model.TraceSample
	sampled, failed := 0, 0
	for _, t := range traces {
		if !t.OutsideSample {
			sampled++
			if t.Error {
				failed++
			}
		}
		if t.Error {
			failing = append(failing, t)
		}
	}

	report := model.ErrorReport{Status: model.FieldUndetermined}
	if sampled > 0 {
		report = model.ErrorReport{
			Status:  model.FieldOK,
			Rate:    float64(failed) / float64(sampled),
			Sampled: sampled,
			Failed:  failed,
		}
	}

	sort.SliceStable(failing, func(i, j int) bool { return failing[i].Duration > failing[j].Duration })
	if limit >= 0 && len(failing) > limit {
		failing = failing[:limit]
	}
	if len(failing) > 0 {
		report.FailingTraces = failing
	}
	return report
}

// ClassifyKPI maps an availability percentage onto a KPI status.
func ClassifyKPI(availability, healthy, degraded float64) model.KPIStatus {
	switch {
	case availability >= healthy:
		return model.KPIHealthy
	case availability >= degraded:
		return model.KPIDegraded
	default:
		return model.KPICritical
	}
}
