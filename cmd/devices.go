package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"camstream/internal/camera"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "利用可能なカメラを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
			cfg.Camera.Backend = backend
		}
		if maxProbe, _ := cmd.Flags().GetInt("max-probe"); maxProbe > 0 {
			cfg.Camera.MaxProbe = maxProbe
		}
		if err := cfg.Validate(); err != nil {
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

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		ids := enumerator.Detect(ctx, cfg.Camera.MaxProbe)
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintf(out, "カメラが見つかりませんでした (backend: %s)\n", backend.Name())
			return nil
		}

		namer, _ := backend.(camera.DeviceNamer)
		for _, id := range ids {
			name := ""
			if namer != nil {
				if n, err := namer.DeviceName(ctx, id); err == nil {
					name = n
				}
			}
			fmt.Fprintf(out, "%d\t%s\n", id, name)
		}
		return nil
	},
}

func init() {
	devicesCmd.Flags().String("backend", "", "カメラのバックエンド (auto, v4l2, x11, opencv, synthetic)")
	devicesCmd.Flags().Int("max-probe", 0, "検出時に試すID数")
	rootCmd.AddCommand(devicesCmd)
}
