package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness    = 2
	annotateQuality = 90
	labelPaddingX   = 3
	labelPaddingY   = 2
)

var (
	fertileColor   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	infertileColor = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	labelTextColor = color.White
)

// Result は1枚の画像を解析した結果
type Result struct {
	Detections []Detection
	Annotated  []byte // 注釈付きJPEG
	Bounds     image.Rectangle
}

// Analyzer は検出・マス目の割り当て・注釈描画をまとめて行う
type Analyzer struct {
	detector Detector
}

// NewAnalyzer は新しいAnalyzerを作成する
func NewAnalyzer(d Detector) *Analyzer {
	return &Analyzer{detector: d}
}

// Analyze は画像を検出器にかけ、各検出にマス目を割り当てて注釈付き画像を生成する
// 注釈の失敗も検出の失敗として扱う
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Result, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}

	detections, err := a.detector.Detect(ctx, data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	for i := range detections {
		detections[i].Row, detections[i].Column = GridPosition(detections[i].Box, bounds)
	}

	annotated, err := encodeJPEG(Annotate(img, detections))
	if err != nil {
		return nil, fmt.Errorf("注釈付き画像のエンコードに失敗: %w", err)
	}

	return &Result{
		Detections: detections,
		Annotated:  annotated,
		Bounds:     bounds,
	}, nil
}

// Annotate は検出矩形とラベルを描画した新しい画像を返す
func Annotate(src image.Image, detections []Detection) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	for _, d := range detections {
		col := infertileColor
		if d.Class == ClassFertile {
			col = fertileColor
		}
		box := d.Box.Intersect(bounds)
		if box.Empty() {
			continue
		}
		drawRectangle(dst, box, col, boxThickness)
		drawLabel(dst, box.Min, LabelText(d), col)
	}
	return dst
}

// LabelText は "Fer 0.93" 形式のラベルを返す
func LabelText(d Detection) string {
	label := d.Label
	if label == "" {
		label = d.Class.Status()
	}
	if len(label) > 0 {
		label = strings.ToUpper(label[:1]) + strings.ToLower(label[1:])
	}
	return fmt.Sprintf("%s %.2f", label, d.Confidence)
}

func drawRectangle(img *image.RGBA, rect image.Rectangle, col color.Color, thickness int) {
	uniform := image.NewUniform(col)
	for i := 0; i < thickness; i++ {
		r := rect.Inset(i)
		if r.Empty() {
			return
		}
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), uniform, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), uniform, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), uniform, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), uniform, image.Point{}, draw.Src)
	}
}

// drawLabel は矩形の左上に背景付きのラベルを描く。上に余白がなければ矩形の内側に描く
func drawLabel(img *image.RGBA, at image.Point, text string, background color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*labelPaddingX
	height := face.Metrics().Height.Ceil() + 2*labelPaddingY

	top := at.Y - height
	if top < img.Bounds().Min.Y {
		top = at.Y
	}
	rect := image.Rect(at.X, top, at.X+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, rect, image.NewUniform(background), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelTextColor),
		Face: face,
		Dot:  fixed.P(at.X+labelPaddingX, top+labelPaddingY+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: annotateQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
