// Package detector は卵の有精/無精の検出と、検出結果の注釈描画を提供する
package detector

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"intelliegg/internal/config"
)

// Class は検出クラス
type Class int

const (
	ClassFertile   Class = 0
	ClassInfertile Class = 1
)

// Status はクラスを保存用の文字列に変換する
func (c Class) Status() string {
	if c == ClassFertile {
		return "fertile"
	}
	return "infertile"
}

// Detection は1件の検出結果
type Detection struct {
	Box        image.Rectangle
	Label      string // モデルが返したクラス名 (FER / INF)
	Class      Class
	Confidence float64
	// トレイ上の位置 (1始まり)。Analyze が設定する
	Row    int
	Column int
}

// Detector は画像から卵を検出する
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]Detection, error)
}

// Nop は何も検出しない Detector
type Nop struct{}

func (Nop) Detect(context.Context, []byte) ([]Detection, error) {
	return nil, nil
}

// New は設定に応じた Detector を作成する
func New(cfg config.DetectorConfig, logger *zap.Logger) (Detector, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "roboflow":
		return NewRoboflow(cfg, logger), nil
	default:
		return nil, fmt.Errorf("未対応の検出器: %s", cfg.Kind)
	}
}
