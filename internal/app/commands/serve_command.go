package commands

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"intelliegg/internal/app"
	"intelliegg/internal/config"
	"intelliegg/internal/supervisor"
)

// GetServeCommand はカメラ配信と定期検出を起動するコマンドを返す
func GetServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "カメラを開いてMJPEG配信と定期検出を開始する",
		Description: `カメラを初期化し、ストリームサーバーと定期検出を起動します。
SIGINT/SIGTERM で停止します。

例:
  intelliegg serve --config config.yaml
  intelliegg serve --port 8000 --device auto`,
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "host",
				Usage: "サーバーのホスト",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "サーバーのポート",
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "カメラデバイス (\"auto\" で自動検出)",
			},
			&cli.BoolFlag{
				Name:  "no-sampler",
				Usage: "定期検出を無効にする",
			},
		),
		Action: func(c *cli.Context) error {
			cc, err := newCommandContext(c, func(cfg *config.Config) {
				if c.IsSet("host") {
					cfg.Server.Host = c.String("host")
				}
				if c.IsSet("port") {
					cfg.Server.Port = c.Int("port")
				}
				if c.IsSet("device") {
					cfg.Camera.Device = c.String("device")
				}
				if c.Bool("no-sampler") {
					cfg.Sampler.Enabled = false
				}
			})
			if err != nil {
				return cli.Exit(err.Error(), int(supervisor.ExitFatal))
			}
			defer cc.Logger.Sync()

			ctx, stop := supervisor.NotifyContext(c.Context)
			defer stop()

			cc.Logger.Info("intelliegg を起動します",
				zap.String("version", Version),
				zap.String("addr", cc.Config.ServerAddress()),
				zap.String("device", cc.Config.Camera.Device),
				zap.String("driver", cc.Config.Camera.Driver))

			code, err := app.New(cc.Config, cc.Logger).Run(ctx)
			switch {
			case code == supervisor.ExitClean:
				return nil
			case err != nil:
				return cli.Exit(err.Error(), int(code))
			default:
				return cli.Exit(supervisor.ErrForced.Error(), int(code))
			}
		},
	}
}
