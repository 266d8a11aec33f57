package audio

// Resample converts samples from srcRate to dstRate using linear
// interpolation. Returns the input unchanged if the rates already match.
// The capture path only ever downsamples typical device rates (44.1/48 kHz)
// to the protocol's 16 kHz input rate.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)

	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out
}
