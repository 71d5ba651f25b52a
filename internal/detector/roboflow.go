package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"intelliegg/internal/config"
)

// fertileClass は有精卵を表すモデルのクラス名
const fertileClass = "FER"

// Roboflow はRoboflowのホスト型推論APIを呼び出す Detector
type Roboflow struct {
	endpoint   string
	model      string
	version    int
	apiKey     string
	confidence int
	overlap    int
	client     *http.Client
	logger     *zap.Logger
}

type roboflowResponse struct {
	Predictions []struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		Confidence float64 `json:"confidence"`
		Class      string  `json:"class"`
	} `json:"predictions"`
}

// NewRoboflow は新しいRoboflowクライアントを作成する
func NewRoboflow(cfg config.DetectorConfig, logger *zap.Logger) *Roboflow {
	return &Roboflow{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		version:    cfg.Version,
		apiKey:     cfg.APIKey,
		confidence: cfg.Confidence,
		overlap:    cfg.Overlap,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Detect は画像をbase64で送信し、予測結果を矩形に変換する
func (r *Roboflow) Detect(ctx context.Context, jpeg []byte) ([]Detection, error) {
	query := url.Values{}
	query.Set("api_key", r.apiKey)
	query.Set("confidence", strconv.Itoa(r.confidence))
	query.Set("overlap", strconv.Itoa(r.overlap))
	endpoint := fmt.Sprintf("%s/%s/%d?%s", r.endpoint, r.model, r.version, query.Encode())

	body := strings.NewReader(base64.StdEncoding.EncodeToString(jpeg))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("推論リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		// URLにAPIキーが含まれるためエラー文字列をそのまま出さない
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("推論APIの呼び出しに失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("推論レスポンスの読み込みに失敗: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("推論APIがエラーを返しました: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result roboflowResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("推論レスポンスの解析に失敗: %w", err)
	}

	detections := make([]Detection, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		class := ClassInfertile
		if p.Class == fertileClass {
			class = ClassFertile
		}
		detections = append(detections, Detection{
			Box: image.Rect(
				int(p.X-p.Width/2),
				int(p.Y-p.Height/2),
				int(p.X+p.Width/2),
				int(p.Y+p.Height/2),
			),
			Label:      p.Class,
			Class:      class,
			Confidence: p.Confidence,
		})
	}

	r.logger.Debug("推論が完了しました",
		zap.String("model", r.model),
		zap.Int("detections", len(detections)))
	return detections, nil
}
