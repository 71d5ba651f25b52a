package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Remote   RemoteConfig   `yaml:"remote"`
	Detector DetectorConfig `yaml:"detector"`
	Storage  StorageConfig  `yaml:"storage"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout        time.Duration `yaml:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout       time.Duration `yaml:"write_timeout"`        // 書き込みタイムアウト (0でストリーム用に無効)
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout"` // フレーム1枚あたりの書き込み期限
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`     // 停止時の待ち合わせ上限

	CORSOrigins []string `yaml:"cors_origins"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Device  string   `yaml:"device"`  // デバイスパス ("auto" で自動検出)
	Driver  string   `yaml:"driver"`  // ffmpeg / libcamera / command
	Command []string `yaml:"command"` // driver=command のときの起動コマンド

	FPS    int `yaml:"fps"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	InitRetries        int           `yaml:"init_retries"`
	InitRetryDelay     time.Duration `yaml:"init_retry_delay"`
	Warmup             time.Duration `yaml:"warmup"`
	MaxCaptureFailures int           `yaml:"max_capture_failures"`
	FrameTimeout       time.Duration `yaml:"frame_timeout"`
}

// SamplerConfig は定期検出ジョブの設定
type SamplerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mode         string        `yaml:"mode"`     // interval / daily
	Interval     time.Duration `yaml:"interval"` // interval モードの周期
	GateEnabled  bool          `yaml:"gate_enabled"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	Location     string        `yaml:"location"` // 日付計算に使うタイムゾーン
}

// RemoteConfig はリモートストアAPIの設定
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	CheckEntryPath string        `yaml:"check_entry_path"`
	FertilityPath  string        `yaml:"fertility_path"`
	ResultsPath    string        `yaml:"results_path"`
	FetchPath      string        `yaml:"fetch_path"`
	Timeout        time.Duration `yaml:"timeout"`
	UploadRetries  int           `yaml:"upload_retries"`
}

// DetectorConfig は推論APIの設定
type DetectorConfig struct {
	Kind       string        `yaml:"kind"` // roboflow / none
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Version    int           `yaml:"version"`
	APIKey     string        `yaml:"-"` // 環境変数からのみ設定
	Confidence int           `yaml:"confidence"`
	Overlap    int           `yaml:"overlap"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig はMinIOへの画像アーカイブ設定
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// MQTTConfig はイベント通知の設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"-"`
}

// RelayConfig はRTMP配信の設定
type RelayConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	StreamKey    string        `yaml:"-"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	Bitrate      string        `yaml:"bitrate"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json / console
}

// Default はデフォルト値で埋めた設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               7123,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       0, // ストリーミング用にタイムアウト無効化
			StreamWriteTimeout: 10 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
		Camera: CameraConfig{
			Device:             "/dev/video0",
			Driver:             "ffmpeg",
			FPS:                15,
			Width:              640,
			Height:             480,
			InitRetries:        5,
			InitRetryDelay:     2 * time.Second,
			Warmup:             2 * time.Second,
			MaxCaptureFailures: 10,
			FrameTimeout:       5 * time.Second,
		},
		Sampler: SamplerConfig{
			Enabled:      true,
			Mode:         "interval",
			Interval:     60 * time.Second,
			GateEnabled:  false,
			CycleTimeout: 2 * time.Minute,
			Location:     "Local",
		},
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8080",
			CheckEntryPath: "/check-entry",
			FertilityPath:  "/fertility-check",
			ResultsPath:    "/insert-results",
			FetchPath:      "/fetch-data",
			Timeout:        10 * time.Second,
		},
		Detector: DetectorConfig{
			Kind:       "none",
			Endpoint:   "https://detect.roboflow.com",
			Confidence: 40,
			Overlap:    30,
			Timeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Bucket: "intelliegg",
		},
		MQTT: MQTTConfig{
			ClientID:    "intelliegg",
			TopicPrefix: "intelliegg",
		},
		Relay: RelayConfig{
			Width:        640,
			Height:       360,
			Bitrate:      "1000k",
			RestartDelay: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、YAMLファイル、.env、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// .env が無いのは正常
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = strings.Split(origins, ",")
	}

	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Driver = getEnvOrDefault("CAMERA_DRIVER", c.Camera.Driver)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.FPS = getEnvAsIntOrDefault("CAMERA_FPS", c.Camera.FPS)
	c.Camera.InitRetries = getEnvAsIntOrDefault("CAMERA_INIT_RETRIES", c.Camera.InitRetries)

	c.Sampler.Mode = getEnvOrDefault("SAMPLER_MODE", c.Sampler.Mode)
	c.Sampler.Interval = getEnvAsDurationOrDefault("SAMPLER_INTERVAL", c.Sampler.Interval)
	c.Sampler.GateEnabled = getEnvAsBoolOrDefault("SAMPLER_GATE_ENABLED", c.Sampler.GateEnabled)

	c.Remote.BaseURL = getEnvOrDefault("REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Timeout = getEnvAsDurationOrDefault("REMOTE_TIMEOUT", c.Remote.Timeout)

	c.Detector.Kind = getEnvOrDefault("DETECTOR_KIND", c.Detector.Kind)
	c.Detector.Model = getEnvOrDefault("ROBOFLOW_MODEL", c.Detector.Model)
	c.Detector.Version = getEnvAsIntOrDefault("ROBOFLOW_VERSION", c.Detector.Version)
	c.Detector.APIKey = getEnvOrDefault("ROBOFLOW_API_KEY", c.Detector.APIKey)

	c.Storage.Enabled = getEnvAsBoolOrDefault("MINIO_ENABLED", c.Storage.Enabled)
	c.Storage.Endpoint = getEnvOrDefault("MINIO_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Bucket = getEnvOrDefault("MINIO_BUCKET", c.Storage.Bucket)
	c.Storage.AccessKey = getEnvOrDefault("MINIO_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnvOrDefault("MINIO_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.UseSSL = getEnvAsBoolOrDefault("MINIO_USE_SSL", c.Storage.UseSSL)

	c.MQTT.Enabled = getEnvAsBoolOrDefault("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Broker = getEnvOrDefault("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnvOrDefault("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnvOrDefault("MQTT_PASSWORD", c.MQTT.Password)

	c.Relay.Enabled = getEnvAsBoolOrDefault("RTMP_ENABLED", c.Relay.Enabled)
	c.Relay.URL = getEnvOrDefault("RTMP_URL", c.Relay.URL)
	c.Relay.StreamKey = getEnvOrDefault("RTMP_STREAM_KEY", c.Relay.StreamKey)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("無効な停止タイムアウト: %v", c.Server.ShutdownTimeout)
	}

	// カメラ設定の検証
	if c.Camera.Device == "" {
		return errors.New("カメラデバイスが設定されていません")
	}
	switch c.Camera.Driver {
	case "ffmpeg", "libcamera":
	case "command":
		if len(c.Camera.Command) == 0 {
			return errors.New("driver=command にはcommandの指定が必要です")
		}
		if c.Camera.Device == "auto" {
			return errors.New("driver=command ではカメラを自動検出できません")
		}
	default:
		return fmt.Errorf("未対応のカメラドライバー: %s", c.Camera.Driver)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("無効なFPS: %d", c.Camera.FPS)
	}
	if c.Camera.InitRetries < 1 {
		return fmt.Errorf("初期化リトライ回数は1以上が必要です: %d", c.Camera.InitRetries)
	}
	if c.Camera.MaxCaptureFailures < 1 {
		return fmt.Errorf("連続キャプチャ失敗上限は1以上が必要です: %d", c.Camera.MaxCaptureFailures)
	}

	// サンプラー設定の検証
	if c.Sampler.Enabled {
		switch c.Sampler.Mode {
		case "interval":
			if c.Sampler.Interval <= 0 {
				return fmt.Errorf("無効なサンプリング間隔: %v", c.Sampler.Interval)
			}
		case "daily":
		default:
			return fmt.Errorf("未対応のサンプリングモード: %s", c.Sampler.Mode)
		}
		if _, err := time.LoadLocation(c.Sampler.Location); err != nil {
			return fmt.Errorf("無効なタイムゾーン: %w", err)
		}
	}

	if c.Remote.BaseURL == "" {
		return errors.New("リモートストアのURLが設定されていません")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("無効なリモートタイムアウト: %v", c.Remote.Timeout)
	}
	if c.Remote.UploadRetries < 0 {
		return fmt.Errorf("無効なアップロードリトライ回数: %d", c.Remote.UploadRetries)
	}

	switch c.Detector.Kind {
	case "none":
	case "roboflow":
		if c.Detector.Model == "" || c.Detector.APIKey == "" {
			return errors.New("roboflow にはモデル名とAPIキーが必要です")
		}
	default:
		return fmt.Errorf("未対応の検出器: %s", c.Detector.Kind)
	}

	if c.Storage.Enabled && (c.Storage.Endpoint == "" || c.Storage.Bucket == "") {
		return errors.New("ストレージにはエンドポイントとバケットが必要です")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("MQTTにはブローカーの指定が必要です")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return errors.New("RTMP配信にはURLの指定が必要です")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SamplerLocation はサンプラーのタイムゾーンを返す
func (c *Config) SamplerLocation() *time.Location {
	loc, err := time.LoadLocation(c.Sampler.Location)
	if err != nil {
		return time.Local
	}
	return loc
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
