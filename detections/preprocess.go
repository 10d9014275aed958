package detections

import (
	"image"
	"image/color"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
)

// Letterbox is a preprocessed model input together with the transform that produced it.
// Scale and the two pads fully determine the mapping back to original pixels.
type Letterbox struct {
	Tensor        []float32
	Size          int
	Scale         float32
	PadX, PadY    int
	ResizedWidth  int
	ResizedHeight int
}

// ToOriginal maps a point from model-input space to original image space.
func (l *Letterbox) ToOriginal(x, y float32) (float32, float32) {
	return (x - float32(l.PadX)) / l.Scale, (y - float32(l.PadY)) / l.Scale
}

// Preprocessor turns decoded images into CHW float tensors for a square model input.
type Preprocessor struct {
	size       int
	order      ChannelOrder
	numWorkers int
}

func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultInputSize
	}
	return &Preprocessor{
		size:       size,
		order:      TensorChannelOrder,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

func (p *Preprocessor) Size() int {
	return p.size
}

// Letterbox resizes img preserving its aspect ratio, centers it on a gray square canvas and
// writes the canvas into a [3, size, size] tensor normalized to [0,1].
func (p *Preprocessor) Letterbox(img image.Image) *Letterbox {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	size := p.size

	scale := math32.Min(float32(size)/float32(w), float32(size)/float32(h))
	newW := clampInt(int(math32.Round(float32(w)*scale)), 1, size)
	newH := clampInt(int(math32.Round(float32(h)*scale)), 1, size)
	padX := (size - newW) / 2
	padY := (size - newH) / 2

	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	canvas := imaging.New(size, size, color.NRGBA{R: LetterboxFill, G: LetterboxFill, B: LetterboxFill, A: 255})
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	tensor := make([]float32, 3*size*size)
	p.processParallel(canvas, tensor)

	return &Letterbox{
		Tensor:        tensor,
		Size:          size,
		Scale:         scale,
		PadX:          padX,
		PadY:          padY,
		ResizedWidth:  newW,
		ResizedHeight: newH,
	}
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.size * p.size
	numWorkers := min(p.numWorkers, p.size)
	rowsPerWorker := p.size / numWorkers

	c0, c2 := 0, 2
	if p.order == ChannelOrderBGR {
		c0, c2 = 2, 0
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					px := src[x*4 : x*4+3 : x*4+3]
					buffer[c0*channelSize+i] = float32(px[0]) / 255.0
					buffer[channelSize+i] = float32(px[1]) / 255.0
					buffer[c2*channelSize+i] = float32(px[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
