// Package commands はCLIのサブコマンドを定義する
package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"intelliegg/internal/config"
	"intelliegg/internal/logging"
)

// ビルド時に -ldflags で上書きする
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// GetCommands は利用可能なコマンドをすべて返す
func GetCommands() []*cli.Command {
	return []*cli.Command{
		GetServeCommand(),
		GetProcessCommand(),
		GetVersionCommand(),
	}
}

// NewApp はCLIアプリケーションを作成する。サブコマンド省略時は serve を実行する
func NewApp() *cli.App {
	serve := GetServeCommand()
	return &cli.App{
		Name:     "intelliegg",
		Usage:    "孵卵器カメラの配信と有精卵検出",
		Version:  Version,
		Commands: GetCommands(),
		Flags:    serve.Flags,
		Action:   serve.Action,
	}
}

// commonFlags は全コマンド共通のフラグを返す
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "設定ファイル (YAML)",
			EnvVars: []string{"INTELLIEGG_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "ログレベル (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "ログ形式 (json, console)",
		},
	}
}

// commandContext は各コマンドで共通の設定とロガー
type commandContext struct {
	Config *config.Config
	Logger *zap.Logger
}

// newCommandContext は設定を読み込み、フラグで上書きしてからロガーを作る
func newCommandContext(c *cli.Context, override func(*config.Config)) (*commandContext, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("設定の検証に失敗: %w", err)
		}
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &commandContext{Config: cfg, Logger: logger}, nil
}

// GetVersionCommand はバージョンを表示するコマンドを返す
func GetVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "バージョンを表示する",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "intelliegg %s (commit %s, built %s)\n", Version, Commit, BuildDate)
			return nil
		},
	}
}
