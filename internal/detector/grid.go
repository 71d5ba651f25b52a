package detector

import "image"

// インキュベーターのトレイは 8列 × 7行
const (
	GridColumns = 8
	GridRows    = 7
)

// GridPosition は矩形の中心が入るトレイのマス目を返す (行・列とも1始まり)
func GridPosition(box, bounds image.Rectangle) (row, column int) {
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return 0, 0
	}

	cx := float64(box.Min.X+box.Max.X)/2 - float64(bounds.Min.X)
	cy := float64(box.Min.Y+box.Max.Y)/2 - float64(bounds.Min.Y)

	column = clamp(int(cx/(float64(width)/GridColumns)), 0, GridColumns-1) + 1
	row = clamp(int(cy/(float64(height)/GridRows)), 0, GridRows-1) + 1
	return row, column
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
