package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"autobackup/internal/controllers"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "用配置里的 jwtSecret 签发接口访问令牌",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JwtSecret == "" {
			return errors.New("配置中未设置 jwtSecret，接口无需令牌")
		}
		token, err := controllers.GenerateToken(cfg.JwtSecret, tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		cmd.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "admin", "令牌中的用户名")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "有效期，0 表示不过期")
	rootCmd.AddCommand(tokenCmd)
}
