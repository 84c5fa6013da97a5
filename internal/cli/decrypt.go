package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"autobackup/internal/backup"
)

var (
	decryptPassword  string
	decryptChunkSize int
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt <input> <output>",
	Short: "解密 .enc 备份文件",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if decryptPassword == "" {
			return errors.New("必须指定 --password")
		}
		if err := backup.NewCipher(decryptChunkSize).Decrypt(args[0], args[1], decryptPassword); err != nil {
			return err
		}
		cmd.Printf("已解密到 %s\n", args[1])
		return nil
	},
}

func init() {
	decryptCmd.Flags().StringVarP(&decryptPassword, "password", "p", "", "加密密码")
	decryptCmd.Flags().IntVar(&decryptChunkSize, "chunk-size", 8*1024, "读写缓冲大小")
	rootCmd.AddCommand(decryptCmd)
}
