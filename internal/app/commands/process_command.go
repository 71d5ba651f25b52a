package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"intelliegg/internal/detector"
	"intelliegg/internal/processing"
	"intelliegg/internal/remote"
	"intelliegg/internal/supervisor"
)

// GetProcessCommand はリモートストアの未処理画像をまとめて検出するコマンドを返す
func GetProcessCommand() *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "未処理の画像を取得して検出結果を登録する",
		Flags: commonFlags(),
		Action: func(c *cli.Context) error {
			cc, err := newCommandContext(c, nil)
			if err != nil {
				return cli.Exit(err.Error(), int(supervisor.ExitFatal))
			}
			defer cc.Logger.Sync()

			if cc.Config.Detector.Kind == "none" {
				return cli.Exit("process には検出器の設定が必要です (detector.kind)", int(supervisor.ExitFatal))
			}
			det, err := detector.New(cc.Config.Detector, cc.Logger.With(zap.String("component", "detector")))
			if err != nil {
				return cli.Exit(err.Error(), int(supervisor.ExitFatal))
			}

			ctx, stop := supervisor.NotifyContext(c.Context)
			defer stop()

			client := remote.New(cc.Config.Remote, cc.Logger.With(zap.String("component", "remote")))
			summary, err := processing.New(client, detector.NewAnalyzer(det), cc.Logger).Run(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("バッチ処理を中断しました: %v", err), int(supervisor.ExitFatal))
			}

			fmt.Fprintf(c.App.Writer, "取得 %d 件 / 登録 %d 件 / 検出なし %d 件 / 失敗 %d 件 (有精卵 %d, 無精卵 %d)\n",
				summary.Fetched, summary.Uploaded, summary.Empty, summary.Failed, summary.Fertile, summary.Infertile)
			if summary.Failed > 0 {
				return cli.Exit("一部の画像の処理に失敗しました", int(supervisor.ExitFatal))
			}
			return nil
		},
	}
}
