// Package processing はリモートストアに溜まった未処理画像をまとめて検出する
package processing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/detector"
	"intelliegg/internal/remote"
)

// Store は未処理画像の取得と結果の登録を行う
type Store interface {
	FetchUnprocessed(ctx context.Context) ([]remote.Record, error)
	Upload(ctx context.Context, p remote.Payload) remote.UploadResult
}

// Analyzer は画像から検出結果と注釈付き画像を作る
type Analyzer interface {
	Analyze(ctx context.Context, jpeg []byte) (*detector.Result, error)
}

// Summary はバッチ処理の集計
type Summary struct {
	Fetched   int
	Uploaded  int
	Empty     int // 検出なし
	Failed    int
	Fertile   int
	Infertile int
	Elapsed   time.Duration
}

// Processor は未処理画像を1件ずつ検出して結果を登録する
type Processor struct {
	store    Store
	analyzer Analyzer
	logger   *zap.Logger
}

// New は Processor を作成する
func New(store Store, analyzer Analyzer, logger *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		analyzer: analyzer,
		logger:   logger.With(zap.String("component", "processing")),
	}
}

// Run は未処理画像を取得して処理する
// 1件ごとの失敗は集計して続行する。取得自体の失敗とキャンセルはエラーを返す
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	records, err := p.store.FetchUnprocessed(ctx)
	if err != nil {
		return summary, err
	}
	summary.Fetched = len(records)
	p.logger.Info("未処理画像を取得しました", zap.Int("count", len(records)))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		p.processRecord(ctx, rec, &summary)
	}

	summary.Elapsed = time.Since(start)
	p.logger.Info("バッチ処理が完了しました",
		zap.Int("fetched", summary.Fetched),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("empty", summary.Empty),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

func (p *Processor) processRecord(ctx context.Context, rec remote.Record, summary *Summary) {
	logger := p.logger.With(zap.Int("record_id", rec.ID), zap.String("date", rec.DetectionDate))

	result, err := p.analyzer.Analyze(ctx, rec.Image)
	if err != nil {
		summary.Failed++
		logger.Error("検出に失敗しました", zap.Error(err))
		return
	}
	if len(result.Detections) == 0 {
		summary.Empty++
		logger.Info("卵が検出されなかったため登録しません")
		return
	}

	upload := p.store.Upload(ctx, remote.Payload{
		Kind:       remote.KindResults,
		Image:      result.Annotated,
		Date:       rec.DetectionDate,
		SourceID:   rec.ID,
		Detections: remote.RecordsFromDetections(result.Detections),
	})
	if !upload.Success {
		summary.Failed++
		logger.Error("検出結果の登録に失敗しました",
			zap.Int("status_code", upload.StatusCode),
			zap.String("message", upload.Message))
		return
	}

	for _, d := range result.Detections {
		if d.Class == detector.ClassFertile {
			summary.Fertile++
		} else {
			summary.Infertile++
		}
	}
	summary.Uploaded++
	logger.Info("検出結果を登録しました", zap.Int("detections", len(result.Detections)))
}
