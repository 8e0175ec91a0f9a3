package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/metrics"
	"github.com/arzzra/p2p_voice/pkg/signaling"
)

func newRelayCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Запустить сигнальный ретранслятор",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			reg := newRegistry()
			hub := signaling.NewHub(logger, metrics.New(metrics.DefaultConfig(), reg))

			mux := http.NewServeMux()
			mux.Handle("/ws", hub)
			mux.Handle("/metrics", metricsHandler(reg))

			return serveHTTP(cmd.Context(), cfg.RelayAddr, mux, logger.WithField(logging.FieldComponent, "relay"))
		},
	}
	cmd.Flags().StringVar(&cfg.RelayAddr, "addr", cfg.RelayAddr, "адрес ретранслятора")
	return cmd
}
