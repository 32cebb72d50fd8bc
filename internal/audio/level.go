package audio

import "math"

// DBFS computes the metering level of a PCM16 little-endian frame.
func DBFS(b []byte) Level {
	rms := calcRMS(b)
	if rms <= 0 {
		return Floor
	}
	db := Level(20 * math.Log10(rms/32768.0))
	if db < Floor {
		return Floor
	}
	return db
}

// calcRMS computes RMS of PCM16 audio.
func calcRMS(b []byte) float64 {
	if len(b) < 2 {
		return 0
	}
	var sum float64
	n := len(b) / 2
	for i := 0; i < n; i++ {
		// Little-endian int16
		sample := int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
