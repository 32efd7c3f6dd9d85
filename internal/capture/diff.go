package capture

// blockSize is the side length of the coarse grid used for change detection.
// Block-level diffing (rather than per-pixel) keeps the cost of a 4K frame's
// diff well under a millisecond while still giving the activity tracker a
// change region it can act on.
const blockSize = 32

// blockThreshold is the average per-channel delta above which a block is
// considered changed. Screen content (text, UI chrome) differs from video
// in that small blocks either don't change at all (redraw-on-demand) or
// change substantially (a repainted control), so a single coarse threshold
// is enough — no need for the perceptual weighting a video encoder would use.
const blockThreshold = 6

// differ holds the previous frame's pixels for block-based diffing. It has
// no platform dependency: any backend's Frame can be diffed the same way.
type differ struct {
	prevPix           []byte
	prevWidth, prevHeight, prevStride int
}

func newDiffer() *differ {
	return &differ{}
}

func (d *differ) reset() {
	d.prevPix = nil
	d.prevWidth, d.prevHeight, d.prevStride = 0, 0, 0
}

// diff compares f against the previously captured frame and returns the
// changed blocks (merged into row spans) plus the fraction of the frame
// area they cover. The first frame after a reset is reported as fully
// dirty — there's nothing to compare it against.
func (d *differ) diff(f Frame) ([]Rect, float64) {
	if d.prevPix == nil || d.prevWidth != f.Width || d.prevHeight != f.Height {
		d.store(f)
		return []Rect{{X: 0, Y: 0, W: f.Width, H: f.Height}}, 1.0
	}

	var rects []Rect
	var dirtyBlocks, totalBlocks int

	for by := 0; by < f.Height; by += blockSize {
		bh := blockSize
		if by+bh > f.Height {
			bh = f.Height - by
		}
		rowStart := -1
		for bx := 0; bx < f.Width; bx += blockSize {
			bw := blockSize
			if bx+bw > f.Width {
				bw = f.Width - bx
			}
			totalBlocks++
			if d.blockChanged(f, bx, by, bw, bh) {
				dirtyBlocks++
				if rowStart == -1 {
					rowStart = bx
				}
			} else if rowStart != -1 {
				rects = append(rects, Rect{X: rowStart, Y: by, W: bx - rowStart, H: bh})
				rowStart = -1
			}
		}
		if rowStart != -1 {
			rects = append(rects, Rect{X: rowStart, Y: by, W: f.Width - rowStart, H: bh})
		}
	}

	d.store(f)

	ratio := 0.0
	if totalBlocks > 0 {
		ratio = float64(dirtyBlocks) / float64(totalBlocks)
	}
	return rects, ratio
}

// blockChanged reports whether the mean absolute per-channel delta of the
// block at (bx,by) exceeds blockThreshold, sampling every 4th pixel in each
// direction to keep the diff sublinear in resolution.
func (d *differ) blockChanged(f Frame, bx, by, bw, bh int) bool {
	const stride4 = 4
	var sum, samples int
	for y := by; y < by+bh; y += stride4 {
		rowOff := y * f.Stride
		prevRowOff := y * d.prevStride
		for x := bx; x < bx+bw; x += stride4 {
			i := rowOff + x*4
			pi := prevRowOff + x*4
			if i+3 >= len(f.Pix) || pi+3 >= len(d.prevPix) {
				continue
			}
			for c := 0; c < 3; c++ { // compare RGB, ignore alpha
				delta := int(f.Pix[i+c]) - int(d.prevPix[pi+c])
				if delta < 0 {
					delta = -delta
				}
				sum += delta
			}
			samples++
		}
	}
	if samples == 0 {
		return false
	}
	return sum/(samples*3) > blockThreshold
}

func (d *differ) store(f Frame) {
	if cap(d.prevPix) < len(f.Pix) {
		d.prevPix = make([]byte, len(f.Pix))
	} else {
		d.prevPix = d.prevPix[:len(f.Pix)]
	}
	copy(d.prevPix, f.Pix)
	d.prevWidth, d.prevHeight, d.prevStride = f.Width, f.Height, f.Stride
}
