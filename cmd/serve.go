package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/logging"
	"camstream/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTPサーバーを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// addServeFlags はサーバー起動用のフラグを登録する
func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().Int("port", 0, "サーバーのポート (デフォルト: 5001)")
	cmd.Flags().String("backend", "", "カメラのバックエンド (auto, v4l2, x11, opencv, synthetic)")
}

// applyServeFlags はコマンドラインオプションで設定を上書きする
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Camera.Backend = backend
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	enumerator, err := newEnumerator(cfg, backend)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, camera.NewRegistry(backend), enumerator)
	if err != nil {
		return fmt.Errorf("サーバーの作成に失敗しました: %w", err)
	}

	logging.Info("camstream サーバーを起動します", "addr", cfg.ServerAddress(), "backend", backend.Name())
	return srv.Start(context.Background())
}

// newBackend は設定に従ってバックエンドを作成する
func newBackend(cfg *config.Config) (camera.Backend, error) {
	factory := camera.NewBackendFactory()
	backend, err := factory.Create(cfg.Camera.Backend, camera.BackendOptions{
		DevicePattern:    cfg.Camera.DevicePattern,
		FFmpegPath:       cfg.Camera.FFmpegPath,
		V4L2CtlPath:      cfg.Camera.V4L2CtlPath,
		ReadTimeout:      cfg.Camera.ReadTimeout,
		SyntheticDevices: cfg.Camera.SyntheticDevices,
	})
	if err != nil {
		return nil, fmt.Errorf("バックエンドの作成に失敗しました: %w", err)
	}
	return backend, nil
}

// newEnumerator は設定に従ってデバイス検出器を作成する
func newEnumerator(cfg *config.Config, backend camera.Backend) (*camera.Enumerator, error) {
	policy, err := camera.ParseProbePolicy(cfg.Camera.ProbePolicy)
	if err != nil {
		return nil, err
	}
	return camera.NewEnumerator(backend,
		camera.WithPolicy(policy),
		camera.WithMaxConsecutiveFailures(cfg.Camera.MaxConsecutiveFailures),
	), nil
}
