package media

// Resample converts 16-bit little-endian mono PCM between sample rates
// using linear interpolation. The telephone leg runs at 8kHz while the
// Realtime model consumes and produces 24kHz, so every frame crosses
// this function twice.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	inSamples := len(pcm) / 2
	if inSamples == 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(toRate)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= inSamples {
			break
		}

		// Read two consecutive samples for interpolation
		sample1 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		sample2 := int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8

		interpolated := int16(float64(sample1)*(1-frac) + float64(sample2)*frac)

		out = append(out, byte(interpolated&0xFF), byte((interpolated>>8)&0xFF))
	}

	return out
}
