package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"camstream/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "設定ファイルを管理する",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "デフォルト設定ファイルを書き出す",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "camstream.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "設定ファイルを作成しました: %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
