package optimize

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"

	"github.com/andybalholm/brotli"
)

// compressProbe measures how large the optimized archive would be under the
// configured transport codec. The stored artifact stays a ZIP; the probe
// feeds the optimizer's savings report.
func compressProbe(data []byte, algo Algorithm, level int) (int, error) {
	var buf bytes.Buffer

	switch algo {
	case AlgorithmGzip:
		w, err := gzip.NewWriterLevel(&buf, clampLevel(level, gzip.BestCompression))
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}

	case AlgorithmBrotli:
		w := brotli.NewWriterLevel(&buf, clampLevel(level, brotli.BestCompression))
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}

	case AlgorithmDeflate:
		w, err := flate.NewWriter(&buf, clampLevel(level, flate.BestCompression))
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}

	default:
		return 0, fmt.Errorf("unknown compression algorithm %q", algo)
	}

	return buf.Len(), nil
}

func clampLevel(level, max int) int {
	if level < 1 {
		return 1
	}
	if level > max {
		return max
	}
	return level
}
