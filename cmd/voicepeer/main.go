// Команда voicepeer: голосовая связь между двумя участниками.
//
//	voicepeer relay                 запускает сигнальный ретранслятор
//	voicepeer join                  подключается и ждет входящего offer
//	voicepeer join --call <peer-id> подключается и звонит участнику
//
// Параметры читаются из переменных окружения VOICEPEER_*, флаги их перекрывают.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arzzra/p2p_voice/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	root := &cobra.Command{
		Use:           "voicepeer",
		Short:         "Голосовая связь точка-точка поверх WebRTC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "уровень логирования")
	root.PersistentFlags().BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "логи в формате JSON")
	root.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "адрес /metrics, пусто = выключено")

	root.AddCommand(newRelayCommand(cfg), newJoinCommand(cfg))
	return root
}

// newLogger создает корневой логгер процесса
func newLogger(cfg *Config) (*logrus.Entry, error) {
	logger, err := logging.New(cfg.logging())
	if err != nil {
		return nil, err
	}
	return logrus.NewEntry(logger), nil
}

// newRegistry реестр метрик процесса со стандартными коллекторами Go
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// serveHTTP обслуживает handler до отмены ctx
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *logrus.Entry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("HTTP сервер запущен")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP сервер %s: %w", addr, err)
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
