package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media"
	"github.com/arzzra/p2p_voice/pkg/metrics"
	"github.com/arzzra/p2p_voice/pkg/opus_codec"
	"github.com/arzzra/p2p_voice/pkg/peer"
	"github.com/arzzra/p2p_voice/pkg/rtc_engine"
	"github.com/arzzra/p2p_voice/pkg/signaling"
)

func newJoinCommand(cfg *Config) *cobra.Command {
	var callID string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Подключиться к ретранслятору и ждать звонка или позвонить участнику",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJoin(cmd.Context(), cfg, callID)
		},
	}
	cmd.Flags().StringVar(&callID, "call", "", "идентификатор участника, которому отправить offer")
	cmd.Flags().StringVar(&cfg.SignalingURL, "signaling", cfg.SignalingURL, "URL ретранслятора")
	cmd.Flags().Float64Var(&cfg.ToneHz, "tone", cfg.ToneHz, "частота тестового сигнала, 0 = тишина")
	cmd.Flags().BoolVar(&cfg.Trickle, "trickle", cfg.Trickle, "отправлять кандидатов по мере сбора")
	return cmd
}

// voicePeer собранные компоненты участника
type voicePeer struct {
	capture *media.CapturePipeline
	sink    *media.NullSink
	orch    *peer.Orchestrator
	client  *signaling.Client
	logger  *logrus.Entry
}

func buildPeer(cfg *Config, logger *logrus.Entry, collector *metrics.Collector) (*voicePeer, error) {
	format := cfg.format()

	codec, err := opus_codec.NewCaptureCodec(cfg.opus())
	if err != nil {
		return nil, err
	}
	capture := media.NewCapturePipeline(media.NewToneSource(cfg.ToneHz, 0.3), codec, logger, collector)
	mixer := media.NewPlaybackMixer(format)

	engine, err := rtc_engine.NewEngine(cfg.engine(), logger)
	if err != nil {
		return nil, err
	}

	client := signaling.NewClient(signaling.ClientConfig{
		URL:              cfg.SignalingURL,
		HandshakeTimeout: 10 * time.Second,
	}, logger, collector)

	orch, err := peer.NewOrchestrator(cfg.peer(), peer.Dependencies{
		Engine:   engine,
		Signaler: client,
		Decoders: opus_codec.DecoderFactory(),
		Capture:  capture,
		Mixer:    mixer,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	vp := &voicePeer{
		capture: capture,
		sink:    media.NewNullSink(),
		orch:    orch,
		client:  client,
		logger:  logging.WithComponent(logger, "voicepeer"),
	}
	orch.AddObserver(peer.ObserverFunc(vp.onSessionEvent))

	if err := vp.sink.Open(format, mixer.Pull); err != nil {
		return nil, fmt.Errorf("устройство воспроизведения: %w", err)
	}
	if err := capture.Start(); err != nil {
		_ = vp.sink.Close()
		return nil, err
	}
	return vp, nil
}

func (vp *voicePeer) onSessionEvent(e peer.Event) {
	entry := vp.logger.WithFields(logrus.Fields{
		logging.FieldPeerID: e.PeerID,
		logging.FieldEvent:  string(e.Type),
		logging.FieldState:  e.State.String(),
	})
	switch e.Type {
	case peer.EventFailed:
		entry.WithError(e.Err).Error("сессия завершилась сбоем")
	case peer.EventClosed:
		entry.Info("сессия закрыта")
	case peer.EventStateChanged:
		entry.Info("состояние сессии")
	default:
		entry.Debug("событие сессии")
	}
}

func (vp *voicePeer) close() {
	_ = vp.orch.Close()
	_ = vp.capture.Stop()
	_ = vp.sink.Close()
	vp.logger.WithField("bytes_played", vp.sink.BytesPlayed()).Info("участник остановлен")
}

// minWatchdogPeriod нижняя граница периода проверки зависших сессий
const minWatchdogPeriod = 100 * time.Millisecond

func watchdogPeriod(maxAge time.Duration) time.Duration {
	if period := maxAge / 2; period > minWatchdogPeriod {
		return period
	}
	return minWatchdogPeriod
}

// watchdog закрывает сессии, зависшие в согласовании
func (vp *voicePeer) watchdog(ctx context.Context, maxAge time.Duration) error {
	ticker := time.NewTicker(watchdogPeriod(maxAge))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, peerID := range vp.orch.ReapStale(maxAge) {
				vp.logger.WithField(logging.FieldPeerID, peerID).Warn("согласование не завершено, сессия закрыта")
			}
		}
	}
}

func runJoin(ctx context.Context, cfg *Config, callID string) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	reg := newRegistry()
	collector := metrics.New(metrics.DefaultConfig(), reg)

	vp, err := buildPeer(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer vp.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return vp.client.Run(gctx, vp.orch)
	})

	g.Go(func() error {
		id, err := vp.client.WaitID(gctx)
		if err != nil {
			return nil
		}
		vp.logger.WithField("id", id).Info("идентификатор участника")
		if callID == "" {
			return nil
		}
		return vp.orch.GenerateOffer(callID)
	})

	if cfg.NegotiationWait > 0 {
		g.Go(func() error {
			return vp.watchdog(gctx, cfg.NegotiationWait)
		})
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, cfg.MetricsAddr, metricsHandler(reg), logger.WithField(logging.FieldComponent, "metrics"))
		})
	}

	return g.Wait()
}
