// Package sampler は最新フレームを定期的に取得し、検出・アップロードを行う
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelliegg/internal/camera"
	"intelliegg/internal/config"
	"intelliegg/internal/detector"
	"intelliegg/internal/notify"
	"intelliegg/internal/remote"
	"intelliegg/internal/storage"
)

const dateLayout = "2006-01-02"

// State はサイクル内の状態
type State string

const (
	StateIdle      State = "idle"
	StateCheckGate State = "check_gate"
	StateCapture   State = "capture"
	StateDetect    State = "detect"
	StateUpload    State = "upload"
)

// スケジュールの種類
const (
	ModeInterval = "interval"
	ModeDaily    = "daily"
)

// Gate はその日のエントリが既に存在するかを返す
type Gate interface {
	CheckEntry(ctx context.Context, date string) (bool, error)
}

// Analyzer は画像を検出し注釈付き画像を生成する
type Analyzer interface {
	Analyze(ctx context.Context, jpeg []byte) (*detector.Result, error)
}

// Uploader はリモートストアへ送信する
type Uploader interface {
	Upload(ctx context.Context, p remote.Payload) remote.UploadResult
}

// FrameSource は最新フレームの取得元
type FrameSource interface {
	Latest() (*camera.Frame, uint64)
}

// DetectionJob は1回の検出サイクルで処理する仕事
type DetectionJob struct {
	ID          uuid.UUID
	Frame       *camera.Frame
	ScheduledAt time.Time
	Date        string
}

// Stats はサンプラーの累計
type Stats struct {
	State     State     `json:"state"`
	Cycles    uint64    `json:"cycles"`
	Completed uint64    `json:"completed"`
	Skipped   uint64    `json:"skipped"`
	Failed    uint64    `json:"failed"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// outcome はサイクルの終わり方
type outcome struct {
	jobID      string
	stage      State
	success    bool
	skipped    bool
	message    string
	detections []detector.Detection
}

// Sampler は定期検出ジョブ
type Sampler struct {
	frames   FrameSource
	analyzer Analyzer
	uploader Uploader
	gate     Gate
	archive  storage.ImageStore
	events   notify.Publisher
	cfg      config.SamplerConfig
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option はSamplerの任意設定
type Option func(*Sampler)

// WithGate はサイクル前にエントリの有無を確認する
func WithGate(g Gate) Option {
	return func(s *Sampler) { s.gate = g }
}

// WithArchive は撮影画像と注釈付き画像を保存する
func WithArchive(store storage.ImageStore) Option {
	return func(s *Sampler) { s.archive = store }
}

// WithPublisher はサイクル結果を通知する
func WithPublisher(p notify.Publisher) Option {
	return func(s *Sampler) { s.events = p }
}

// WithLocation は日付計算に使うタイムゾーンを指定する
func WithLocation(loc *time.Location) Option {
	return func(s *Sampler) { s.location = loc }
}

// WithClock は現在時刻の取得方法を差し替える
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// New は新しいSamplerを作成する
func New(frames FrameSource, analyzer Analyzer, uploader Uploader, cfg config.SamplerConfig, logger *zap.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		frames:   frames,
		analyzer: analyzer,
		uploader: uploader,
		events:   notify.Nop{},
		cfg:      cfg,
		location: time.Local,
		logger:   logger.With(zap.String("component", "sampler")),
		now:      time.Now,
		stats:    Stats{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run はキャンセルされるまでサイクルを繰り返す
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("サンプラーを開始しました",
		zap.String("mode", s.cfg.Mode),
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("gate", s.gate != nil && s.cfg.GateEnabled))

	scheduled := s.now()
	for {
		if ctx.Err() != nil {
			break
		}

		result := s.runCycle(ctx, scheduled)
		s.record(result)
		s.publish(ctx, scheduled, result)

		finished := s.now()
		next := NextRun(s.cfg.Mode, s.cfg.Interval, s.location, scheduled, finished)
		s.setNextRun(next)

		if delay := next.Sub(finished); delay > 0 {
			s.logger.Debug("次のサイクルまで待機します",
				zap.Time("next_run", next),
				zap.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		scheduled = next
	}

	s.setState(StateIdle)
	s.logger.Info("サンプラーを停止しました")
	return nil
}

// NextRun は次のサイクルの予定時刻を返す
// daily では予定日の翌日0時。終了時刻の当日0時より前にはならない
// interval では終了時刻に周期を足した時刻
func NextRun(mode string, interval time.Duration, loc *time.Location, scheduled, finished time.Time) time.Time {
	if mode == ModeDaily {
		next := startOfDay(scheduled.In(loc).AddDate(0, 0, 1), loc)
		if today := startOfDay(finished.In(loc), loc); next.Before(today) {
			next = today
		}
		return next
	}
	return finished.Add(interval)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// runCycle は1回分の Idle → CheckGate → Capture → Detect → Upload を実行する
func (s *Sampler) runCycle(ctx context.Context, scheduled time.Time) (o outcome) {
	defer s.setState(StateIdle)

	job := DetectionJob{
		ID:          uuid.New(),
		ScheduledAt: scheduled,
		Date:        scheduled.In(s.location).Format(dateLayout),
	}
	logger := s.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("date", job.Date))
	defer func() { o.jobID = job.ID.String() }()

	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	// CheckGate
	if s.gate != nil && s.cfg.GateEnabled {
		s.setState(StateCheckGate)
		exists, err := s.gate.CheckEntry(ctx, job.Date)
		if err != nil {
			logger.Warn("エントリの確認に失敗したため処理済みとみなします", zap.Error(err))
			return outcome{stage: StateCheckGate, skipped: true, message: err.Error()}
		}
		if exists {
			logger.Info("この日のエントリは既に存在するためスキップします")
			return outcome{stage: StateCheckGate, skipped: true, message: "entry exists"}
		}
	}
	if err := ctx.Err(); err != nil {
		return outcome{stage: StateCheckGate, message: err.Error()}
	}

	// Capture
	s.setState(StateCapture)
	frame, version := s.frames.Latest()
	if frame == nil {
		logger.Warn("フレームがまだないためスキップします")
		return outcome{stage: StateCapture, skipped: true, message: "no frame"}
	}
	job.Frame = frame
	logger = logger.With(zap.Uint64("frame_version", version))
	if err := ctx.Err(); err != nil {
		return outcome{stage: StateCapture, message: err.Error()}
	}

	// Detect
	s.setState(StateDetect)
	result, err := s.analyzer.Analyze(ctx, frame.Data)
	if err != nil {
		logger.Error("検出に失敗したためアップロードを行いません", zap.Error(err))
		return outcome{stage: StateDetect, message: err.Error()}
	}
	logger.Info("検出が完了しました", zap.Int("detections", len(result.Detections)))
	if err := ctx.Err(); err != nil {
		return outcome{stage: StateDetect, message: err.Error()}
	}

	// Upload
	s.setState(StateUpload)
	s.archiveImages(ctx, logger, job, result)

	ok := s.upload(ctx, logger, remote.Payload{
		Kind:  remote.KindFertility,
		Image: frame.Data,
		Date:  job.Date,
	})
	if err := ctx.Err(); err != nil {
		return outcome{stage: StateUpload, message: err.Error(), detections: result.Detections}
	}
	ok = s.upload(ctx, logger, remote.Payload{
		Kind:       remote.KindResults,
		Image:      result.Annotated,
		Date:       job.Date,
		Detections: remote.RecordsFromDetections(result.Detections),
	}) && ok

	if !ok {
		return outcome{stage: StateUpload, message: "upload failed", detections: result.Detections}
	}
	logger.Info("検出サイクルが完了しました",
		zap.Int("detections", len(result.Detections)),
		zap.Duration("elapsed", s.now().Sub(scheduled)))
	return outcome{stage: StateUpload, success: true, detections: result.Detections}
}

func (s *Sampler) upload(ctx context.Context, logger *zap.Logger, p remote.Payload) bool {
	result := s.uploader.Upload(ctx, p)
	if !result.Success {
		logger.Error("アップロードに失敗しました",
			zap.String("kind", string(p.Kind)),
			zap.Int("status_code", result.StatusCode),
			zap.String("message", result.Message))
		return false
	}
	logger.Debug("アップロードに成功しました",
		zap.String("kind", string(p.Kind)),
		zap.String("message", result.Message))
	return true
}

func (s *Sampler) archiveImages(ctx context.Context, logger *zap.Logger, job DetectionJob, result *detector.Result) {
	if s.archive == nil {
		return
	}
	images := []struct {
		kind string
		data []byte
	}{
		{kind: storage.KindRaw, data: job.Frame.Data},
		{kind: storage.KindAnnotated, data: result.Annotated},
	}
	for _, img := range images {
		key := storage.ObjectKey(job.Date, job.ID, img.kind)
		url, err := s.archive.SaveImage(ctx, key, img.data, "image/jpeg")
		if err != nil {
			logger.Warn("画像の保存に失敗しました", zap.String("key", key), zap.Error(err))
			continue
		}
		logger.Debug("画像を保存しました", zap.String("url", url))
	}
}

func (s *Sampler) publish(ctx context.Context, scheduled time.Time, o outcome) {
	event := notify.Event{
		Type:       notify.EventCycle,
		Time:       s.now(),
		JobID:      o.jobID,
		Date:       scheduled.In(s.location).Format(dateLayout),
		Stage:      string(o.stage),
		Success:    o.success,
		Message:    o.message,
		Detections: len(o.detections),
	}
	for _, d := range o.detections {
		if d.Class == detector.ClassFertile {
			event.Fertile++
		} else {
			event.Infertile++
		}
	}
	if err := s.events.Publish(ctx, event); err != nil && ctx.Err() == nil {
		s.logger.Warn("サイクル結果の通知に失敗しました", zap.Error(err))
	}
}

func (s *Sampler) record(o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Cycles++
	s.stats.LastRun = s.now()
	switch {
	case o.success:
		s.stats.Completed++
	case o.skipped:
		s.stats.Skipped++
	default:
		s.stats.Failed++
	}
}

func (s *Sampler) setState(state State) {
	s.mu.Lock()
	s.stats.State = state
	s.mu.Unlock()
}

func (s *Sampler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.stats.NextRun = t
	s.mu.Unlock()
}

// Stats は現在の状態と累計を返す
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
