package media

import "math"

const (
	// frames quieter than this RMS are treated as background noise
	noiseGateRMS = 200.0
	agcTargetRMS = 3000.0
	agcMaxGain   = 8.0
	// per-frame smoothing so gain follows speech, not individual syllables
	agcAttack = 0.1
)

// processor applies the capture constraints the device could not honour
// itself. Echo cancellation needs the playback reference and is left to the
// device.
type processor struct {
	noiseSuppression bool
	autoGain         bool
	gain             float64
}

func newProcessor(noiseSuppression, autoGain bool) processor {
	return processor{noiseSuppression: noiseSuppression, autoGain: autoGain, gain: 1}
}

func (p *processor) process(frame []int16) {
	if !p.noiseSuppression && !p.autoGain {
		return
	}
	level := rms(frame)
	if p.noiseSuppression && level < noiseGateRMS {
		clear(frame)
		return
	}
	if !p.autoGain || level == 0 {
		return
	}
	want := math.Min(agcTargetRMS/level, agcMaxGain)
	p.gain += (want - p.gain) * agcAttack
	for i, s := range frame {
		frame[i] = clamp16(float64(s) * p.gain)
	}
}

func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
