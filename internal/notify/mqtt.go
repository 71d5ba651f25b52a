// Package notify はサンプリング結果とカメラ状態をMQTTで通知する
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"intelliegg/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // ミリ秒
)

// イベント種別
const (
	EventCycle  = "cycle"
	EventCamera = "camera"
)

var errPublishTimeout = errors.New("MQTT送信がタイムアウトしました")

// Event は通知内容
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	JobID      string    `json:"job_id,omitempty"`
	Date       string    `json:"date,omitempty"`
	Stage      string    `json:"stage,omitempty"` // サイクルが終了した状態
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Detections int       `json:"detections,omitempty"`
	Fertile    int       `json:"fertile,omitempty"`
	Infertile  int       `json:"infertile,omitempty"`
	Camera     string    `json:"camera,omitempty"`
}

// Publisher はイベントを送信する
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop は何も送信しない Publisher
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MQTTPublisher はイベントをJSONでMQTTブローカーに送信する
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	logger *zap.Logger
}

// NewMQTTPublisher はブローカーに接続する
func NewMQTTPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT接続が切断されました", zap.Error(err))
	})

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("MQTT接続がタイムアウトしました: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	logger.Info("MQTTブローカーに接続しました", zap.String("broker", cfg.Broker))
	return newMQTTPublisher(cli, cfg.TopicPrefix, logger), nil
}

func newMQTTPublisher(cli mqtt.Client, prefix string, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: cli,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Publish はイベントを送信する
// カメラ状態は最新の値を新しい購読者にも届けるため retained で送る
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	retained := event.Type == EventCamera
	token := p.client.Publish(p.Topic(event.Type), 1, retained, payload)

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(publishTimeout):
		return errPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topic はイベント種別ごとのトピック名を返す
func (p *MQTTPublisher) Topic(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "/" + eventType
}

// Close はブローカーから切断する
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(disconnectWait)
	}
}
