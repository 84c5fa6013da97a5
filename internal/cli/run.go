package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"autobackup/internal/helpers"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "立即执行一次备份任务",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("无效的任务ID: %s", args[0])
	}

	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()

	cmd.Printf("开始执行任务 %d...\n", id)
	result, err := a.svc.ExecuteBackup(cmd.Context(), uint(id))
	if err != nil {
		if result != nil && result.Log != nil {
			cmd.Printf("执行日志: %s\n", result.Log.RunID)
		}
		return fmt.Errorf("备份失败: %w", err)
	}
	cmd.Printf("备份完成: %s (%s, 耗时 %d 秒)\n", result.Ref.Path, helpers.FormatBytes(result.Log.FileSize), result.Log.Duration)
	if result.Log.Details != "" {
		cmd.Printf("%s\n", result.Log.Details)
	}
	return nil
}
