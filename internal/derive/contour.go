package derive

import (
	"context"

	"nnunetserver/internal/imageio/mha"
)

// IndexContour is one closed boundary on axial slice Slice, as voxel
// indices (i, j, Slice).
type IndexContour struct {
	Slice  int
	Points [][3]int
}

// ContourExtractor traces the foreground boundary of a binary mask.
type ContourExtractor interface {
	Extract(ctx context.Context, mask *mha.Image) ([]IndexContour, error)
}

// MooreTracer traces the outer boundary of every 8-connected foreground
// component of each axial slice with Moore-neighbour tracing.
type MooreTracer struct{}

// clockwise in image coordinates (y grows downwards), starting west.
var moore = [8][2]int{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

func mooreIndex(dx, dy int) int {
	for i, d := range moore {
		if d[0] == dx && d[1] == dy {
			return i
		}
	}
	return -1
}

func (MooreTracer) Extract(ctx context.Context, mask *mha.Image) ([]IndexContour, error) {
	nx, ny, nz := mask.Size[0], mask.Size[1], mask.Size[2]
	var out []IndexContour
	for k := 0; k < nz; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fg := func(i, j int) bool {
			if i < 0 || j < 0 || i >= nx || j >= ny {
				return false
			}
			return mask.Value(mask.Offset(i, j, k)) != 0
		}
		seen := make([]bool, nx*ny)
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				if seen[j*nx+i] || !fg(i, j) {
					continue
				}
				markComponent(seen, nx, ny, i, j, fg)
				out = append(out, IndexContour{Slice: k, Points: trace(i, j, k, nx, ny, fg)})
			}
		}
	}
	return out, nil
}

// markComponent flood fills the 8-connected component containing (i, j).
func markComponent(seen []bool, nx, ny, i, j int, fg func(int, int) bool) {
	stack := [][2]int{{i, j}}
	seen[j*nx+i] = true
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range moore {
			x, y := p[0]+d[0], p[1]+d[1]
			if x < 0 || y < 0 || x >= nx || y >= ny || seen[y*nx+x] || !fg(x, y) {
				continue
			}
			seen[y*nx+x] = true
			stack = append(stack, [2]int{x, y})
		}
	}
}

// trace walks the boundary clockwise from a start pixel whose west, north-west,
// north and north-east neighbours are background. It stops when the first
// move out of the start pixel is about to be repeated.
func trace(si, sj, k, nx, ny int, fg func(int, int) bool) [][3]int {
	points := [][3]int{{si, sj, k}}
	cx, cy, back := si, sj, 0
	firstX, firstY := 0, 0
	limit := 4*nx*ny + 8
	for step := 0; step < limit; step++ {
		x, y, b, ok := advance(cx, cy, back, fg)
		if !ok {
			return points
		}
		if cx == si && cy == sj {
			if step == 0 {
				firstX, firstY = x, y
			} else if x == firstX && y == firstY {
				// the closing visit of the start pixel is not repeated
				return points[:len(points)-1]
			}
		}
		points = append(points, [3]int{x, y, k})
		cx, cy, back = x, y, b
	}
	return points
}

// advance finds the next boundary pixel clockwise from the backtrack
// direction and returns the backtrack direction relative to it.
func advance(cx, cy, back int, fg func(int, int) bool) (int, int, int, bool) {
	for i := 1; i <= 8; i++ {
		d := (back + i) % 8
		x, y := cx+moore[d][0], cy+moore[d][1]
		if !fg(x, y) {
			continue
		}
		prev := (d + 7) % 8
		bx, by := cx+moore[prev][0], cy+moore[prev][1]
		return x, y, mooreIndex(bx-x, by-y), true
	}
	return 0, 0, 0, false
}
