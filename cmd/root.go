// Package cmd はcamstreamのコマンドライン定義です
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"camstream/internal/config"
	"camstream/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "camstream",
	Short: "カメラ映像をHTTPでMJPEG配信するサーバー",
	Long: `camstreamはUSBカメラや仮想カメラをHTTP経由で配信します。

サブコマンドを省略した場合はserveとして起動します。`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "設定ファイル (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")

	addServeFlags(rootCmd)
}

// loadConfig は設定を読み込み、ロガーを初期化する
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	return cfg, nil
}
