package scan

import (
	"math"
	"sort"
)

// Peak is a candidate signal.
type Peak struct {
	Freq int64   `json:"freq_hz"`
	SNR  float64 `json:"snr"`
	// Grey marks peaks injected from the greylist rather than detected.
	Grey bool `json:"grey,omitempty"`
}

type Options struct {
	SNRThreshold float64
	Quantization int64
	MinDistance  int64
	MaxPeaks     int
	Blacklist    []int64
	Greylist     []int64
}

// Quantize snaps freq to the nearest multiple of step.
func Quantize(freq, step int64) int64 {
	if step <= 0 {
		return freq
	}
	return int64(math.Round(float64(freq)/float64(step))) * step
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func contains(list []int64, f int64) bool {
	for _, v := range list {
		if v == f {
			return true
		}
	}
	return false
}

// FindPeaks extracts candidate peaks from a spectrum. Detected peaks are
// ordered by descending SNR, separated by at least MinDistance and capped at
// MaxPeaks. Greylist frequencies are prepended in configured order.
func FindPeaks(bins []Bin, opts Options) []Peak {
	detected := detectPeaks(bins, opts)

	var grey []Peak
	for _, g := range opts.Greylist {
		if contains(opts.Blacklist, g) {
			continue
		}
		dup := false
		for _, p := range grey {
			if p.Freq == g {
				dup = true
				break
			}
		}
		if !dup {
			grey = append(grey, Peak{Freq: g, Grey: true})
		}
	}
	if len(grey) == 0 {
		return detected
	}

	out := make([]Peak, 0, len(grey)+len(detected))
	out = append(out, grey...)
	for _, p := range detected {
		near := false
		for _, g := range grey {
			if d := abs64(p.Freq - g.Freq); d == 0 || d < opts.MinDistance {
				near = true
				break
			}
		}
		if !near {
			out = append(out, p)
		}
	}
	return out
}

func detectPeaks(bins []Bin, opts Options) []Peak {
	if len(bins) == 0 {
		return nil
	}
	sorted := append([]Bin(nil), bins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Freq < sorted[j].Freq })

	var sum float64
	for _, b := range sorted {
		sum += b.Power
	}
	floor := sum / float64(len(sorted))

	var cands []Peak
	for i, b := range sorted {
		left, right := math.Inf(-1), math.Inf(-1)
		if i > 0 {
			left = sorted[i-1].Power
		}
		if i+1 < len(sorted) {
			right = sorted[i+1].Power
		}
		if b.Power < left || b.Power <= right {
			continue
		}
		snr := b.Power - floor
		if snr < opts.SNRThreshold {
			continue
		}
		f := Quantize(b.Freq, opts.Quantization)
		if contains(opts.Blacklist, f) {
			continue
		}
		cands = append(cands, Peak{Freq: f, SNR: snr})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].SNR != cands[j].SNR {
			return cands[i].SNR > cands[j].SNR
		}
		return cands[i].Freq < cands[j].Freq
	})

	kept := make([]Peak, 0, len(cands))
	for _, c := range cands {
		if opts.MaxPeaks > 0 && len(kept) >= opts.MaxPeaks {
			break
		}
		clash := false
		for _, k := range kept {
			if d := abs64(c.Freq - k.Freq); d == 0 || d < opts.MinDistance {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, c)
		}
	}
	return kept
}
