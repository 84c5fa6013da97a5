package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"autobackup/internal/controllers"
)

var shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动定时调度和HTTP接口",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.svc.Start(ctx); err != nil {
		return fmt.Errorf("启动备份服务失败: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	handler := controllers.NewHandler(a.svc, a.hub, a.logger)
	srv := &http.Server{
		Addr:              a.cfg.HttpHost,
		Handler:           controllers.NewRouter(handler, a.cfg.JwtSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("HTTP服务已启动: http://%s", a.cfg.HttpHost)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("收到退出信号，开始关闭服务")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Errorf("HTTP服务异常退出: %v", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnf("关闭HTTP服务失败: %v", err)
	}
	a.svc.Stop(shutdownCtx)
	a.logger.Info("服务已退出")
	return serveErr
}
