package emulator

import (
	"math"

	"github.com/OkayMusic/RRec/pkg/raster"
)

// equalize spreads the histogram of m over the full 0-255 range.
func equalize(m *raster.Image) {
	var hist [256]int
	for _, v := range m.Pix {
		hist[v]++
	}
	var cdf [256]int
	total := 0
	for i, n := range hist {
		total += n
		cdf[i] = total
	}
	cdfMin := 0
	for _, c := range cdf {
		if c > 0 {
			cdfMin = c
			break
		}
	}
	if total == cdfMin {
		return // a single grey level has nothing to spread
	}
	var lut [256]uint8
	for i, c := range cdf {
		if c <= cdfMin {
			continue
		}
		lut[i] = uint8(math.Round(float64(c-cdfMin) * 255 / float64(total-cdfMin)))
	}
	for i, v := range m.Pix {
		m.Pix[i] = lut[v]
	}
}

// oddWindow bumps even window sizes up by one so windows stay centred.
func oddWindow(n int) int {
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// boxMean averages each pixel over a window x window neighbourhood, clipped
// at the image border, using a summed-area table.
func boxMean(m *raster.Image, window int) []float64 {
	rows, cols := m.Rows, m.Cols
	stride := cols + 1
	sat := make([]float64, (rows+1)*stride)
	for r := 0; r < rows; r++ {
		rowSum := 0.0
		for c := 0; c < cols; c++ {
			rowSum += float64(m.Pix[r*cols+c])
			sat[(r+1)*stride+c+1] = sat[r*stride+c+1] + rowSum
		}
	}

	half := window / 2
	out := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		r0, r1 := clamp(r-half, 0, rows-1), clamp(r+half, 0, rows-1)+1
		for c := 0; c < cols; c++ {
			c0, c1 := clamp(c-half, 0, cols-1), clamp(c+half, 0, cols-1)+1
			sum := sat[r1*stride+c1] - sat[r0*stride+c1] - sat[r1*stride+c0] + sat[r0*stride+c0]
			out[r*cols+c] = sum / float64((r1-r0)*(c1-c0))
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// threshold marks pixels whose signal exceeds the background by more than
// sigma standard deviations of the difference.
func threshold(signal, background []float64, sigma float64) []bool {
	diff := make([]float64, len(signal))
	mean := 0.0
	for i := range signal {
		diff[i] = signal[i] - background[i]
		mean += diff[i]
	}
	mean /= float64(len(diff))
	variance := 0.0
	for _, d := range diff {
		variance += (d - mean) * (d - mean)
	}
	std := math.Sqrt(variance / float64(len(diff)))

	out := make([]bool, len(diff))
	for i, d := range diff {
		out[i] = d-mean > sigma*std && d > 0
	}
	return out
}

// countClusters counts 4-connected regions of set pixels.
func countClusters(mask []bool, rows, cols int) int {
	seen := make([]bool, len(mask))
	var stack []int
	count := 0
	for start, set := range mask {
		if !set || seen[start] {
			continue
		}
		count++
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r, c := i/cols, i%cols
			for _, n := range [...][2]int{{r - 1, c}, {r + 1, c}, {r, c - 1}, {r, c + 1}} {
				if n[0] < 0 || n[0] >= rows || n[1] < 0 || n[1] >= cols {
					continue
				}
				j := n[0]*cols + n[1]
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
	}
	return count
}
