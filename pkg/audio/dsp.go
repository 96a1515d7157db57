package audio

import "math"

// Clip clamps every sample to [-1.0, 1.0] in place.
func Clip(samples []float32) {
	for i, s := range samples {
		samples[i] = clamp(s)
	}
}

// ApplyGain multiplies samples by gain and hard-clips the result to
// [-1.0, 1.0] in place.
func ApplyGain(samples []float32, gain float32) {
	for i, s := range samples {
		samples[i] = clamp(s * gain)
	}
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// RMS returns the root mean square energy of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// NormalizePeak scales samples down so their peak does not exceed target,
// then clips to [-1.0, 1.0]. Frames already at or below target are left
// untouched, so repeated application is a no-op. target is clamped to (0, 1].
func NormalizePeak(samples []float32, target float32) {
	if target <= 0 || target > 1 {
		target = 1
	}
	peak := Peak(samples)
	if peak > target {
		scale := target / peak
		for i := range samples {
			// Rounding in the multiply can land a hair above target
			samples[i] = min(max(samples[i]*scale, -target), target)
		}
	}
	Clip(samples)
}

// NoiseGate attenuates frames whose RMS energy falls below Threshold.
type NoiseGate struct {
	Threshold   float64 // RMS below which a frame counts as noise
	Attenuation float32 // Multiplier applied to gated frames (0 mutes)
}

// Apply gates samples in place and reports whether the gate closed.
func (g NoiseGate) Apply(samples []float32) bool {
	if g.Threshold <= 0 || len(samples) == 0 {
		return false
	}
	if RMS(samples) >= g.Threshold {
		return false
	}
	for i := range samples {
		samples[i] *= g.Attenuation
	}
	return true
}
