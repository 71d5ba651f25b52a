// Package remote はリモートデータストアのHTTP APIクライアント
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/config"
)

const maxResponseBytes = 4 << 20

// Error はリモート呼び出しの失敗
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errUnexpectedStatus = errors.New("想定外のステータス")

// Kind はアップロード先の種類
type Kind string

const (
	KindFertility Kind = "fertility" // 撮影した生画像
	KindResults   Kind = "results"   // 注釈付き画像と検出結果
)

// DetectionRecord は検出結果1件の送信形式
type DetectionRecord struct {
	Label      string  `json:"label"`
	Class      int     `json:"class"`
	Confidence float64 `json:"confidence"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Row        int     `json:"row"`
	Column     int     `json:"column"`
}

// Payload はアップロード内容
type Payload struct {
	Kind       Kind
	Image      []byte // JPEG
	Date       string // YYYY-MM-DD
	SourceID   int    // fetch-data から取得したレコードのID (バッチ処理時)
	Detections []DetectionRecord
}

// UploadResult はアップロードの結果
// 失敗もエラーではなく Success=false で表す
type UploadResult struct {
	Success    bool
	Message    string
	StatusCode int
}

// Record は fetch-data が返す未処理の画像
type Record struct {
	ID            int
	Image         []byte
	DetectionDate string
}

type fertilityRequest struct {
	ImageBase64 string `json:"image_base64"`
	Date        string `json:"date"`
}

type resultsRequest struct {
	ID                   int               `json:"id,omitempty"`
	AnnotatedImageBase64 string            `json:"annotated_image_base64"`
	DetectionDate        string            `json:"detection_date"`
	Detections           []DetectionRecord `json:"detections,omitempty"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type checkEntryRequest struct {
	Date string `json:"date"`
}

type checkEntryResponse struct {
	Exists *bool `json:"exists"`
}

type fetchResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    []struct {
		ID            int    `json:"id"`
		ImageData     string `json:"image_data"`
		DetectionDate string `json:"detection_date"`
	} `json:"data"`
}

// Client はリモートストアAPIのクライアント
type Client struct {
	baseURL string
	cfg     config.RemoteConfig
	http    *http.Client
	logger  *zap.Logger

	retryDelay time.Duration
}

// New は新しいClientを作成する
func New(cfg config.RemoteConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:     logger,
		retryDelay: time.Second,
	}
}

// CheckEntry は指定日のエントリが既に存在するかを問い合わせる
func (c *Client) CheckEntry(ctx context.Context, date string) (bool, error) {
	const op = "check-entry"

	status, body, err := c.postJSON(ctx, c.cfg.CheckEntryPath, checkEntryRequest{Date: date})
	if err != nil {
		return false, &Error{Op: op, StatusCode: status, Err: err}
	}

	var resp checkEntryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("レスポンスの解析に失敗: %w", err)}
	}
	if resp.Exists == nil {
		return false, &Error{Op: op, StatusCode: status, Err: errors.New("exists フィールドがありません")}
	}
	return *resp.Exists, nil
}

// Upload はペイロードを1回送信する
// 失敗はすべて UploadResult に変換し、呼び出し側にエラーを返さない
func (c *Client) Upload(ctx context.Context, p Payload) UploadResult {
	var result UploadResult
	for attempt := 0; attempt <= c.cfg.UploadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return UploadResult{Message: ctx.Err().Error()}
			}
			c.logger.Info("アップロードを再試行します",
				zap.String("kind", string(p.Kind)),
				zap.Int("attempt", attempt+1))
		}

		result = c.uploadOnce(ctx, p)
		if result.Success || ctx.Err() != nil {
			return result
		}
		// 4xx は再送しても結果が変わらない
		if result.StatusCode >= 400 && result.StatusCode < 500 {
			return result
		}
	}
	return result
}

func (c *Client) uploadOnce(ctx context.Context, p Payload) UploadResult {
	var (
		path string
		body any
	)
	switch p.Kind {
	case KindFertility:
		path = c.cfg.FertilityPath
		body = fertilityRequest{
			ImageBase64: base64.StdEncoding.EncodeToString(p.Image),
			Date:        p.Date,
		}
	case KindResults:
		path = c.cfg.ResultsPath
		body = resultsRequest{
			ID:                   p.SourceID,
			AnnotatedImageBase64: base64.StdEncoding.EncodeToString(p.Image),
			DetectionDate:        p.Date,
			Detections:           p.Detections,
		}
	default:
		return UploadResult{Message: fmt.Sprintf("未対応のアップロード種別: %s", p.Kind)}
	}

	status, respBody, err := c.postJSON(ctx, path, body)
	if err != nil {
		return UploadResult{StatusCode: status, Message: err.Error()}
	}

	var resp statusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return UploadResult{StatusCode: status, Message: fmt.Sprintf("レスポンスの解析に失敗: %v", err)}
	}
	return UploadResult{
		Success:    resp.Success,
		Message:    resp.Message,
		StatusCode: status,
	}
}

// FetchUnprocessed は検出がまだの画像を取得する
func (c *Client) FetchUnprocessed(ctx context.Context) ([]Record, error) {
	const op = "fetch-data"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.cfg.FetchPath, nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, &Error{Op: op, StatusCode: status, Err: err}
	}

	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("レスポンスの解析に失敗: %w", err)}
	}
	if !resp.Success {
		return nil, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("リモートがエラーを返しました: %s", resp.Message)}
	}

	records := make([]Record, 0, len(resp.Data))
	for _, item := range resp.Data {
		image, err := base64.StdEncoding.DecodeString(item.ImageData)
		if err != nil {
			c.logger.Warn("画像データのデコードに失敗したため読み飛ばします",
				zap.Int("id", item.ID), zap.Error(err))
			continue
		}
		records = append(records, Record{
			ID:            item.ID,
			Image:         image,
			DetectionDate: item.DetectionDate,
		})
	}
	return records, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("リクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("レスポンスの読み込みに失敗: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, fmt.Errorf("%w: %s", errUnexpectedStatus, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, body, nil
}
