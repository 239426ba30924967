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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	avida "github.com/kelvinofficial/avida-sub001"
)

var (
	watchInterval    time.Duration
	watchRealtime    bool
	watchMetricsAddr string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 15*time.Second, "how often to probe the API")
	watchCmd.Flags().BoolVar(&watchRealtime, "realtime", false, "subscribe to pushed listing updates")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Probe connectivity and sync queued actions whenever the API comes back",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := prometheus.NewRegistry()
		s, err := openSession(&avida.OfflineOptions{Metrics: avida.NewSyncMetrics(registry)})
		if err != nil {
			return err
		}
		defer s.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printEvent := func(event string, payload any) {
			if payload == nil {
				fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), event)
				return
			}
			fmt.Printf("%s %s %v\n", time.Now().Format(time.TimeOnly), event, payload)
		}
		for _, e := range []string{
			avida.EventNetworkOnline, avida.EventNetworkOffline,
			avida.EventSyncComplete, avida.EventActionAbandoned,
		} {
			s.offline.On(e, printEvent)
		}
		s.offline.Init()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if watchRealtime {
			rt := avida.NewRealtimeClient(s.client.BaseURL(), &avida.RealtimeConfig{
				Token:         s.cfg.Default.APIKey,
				AutoReconnect: true,
				Logger:        s.log.Named("realtime"),
			})
			s.offline.AttachRealtime(rt)
			rt.OnMessageNew(func(m avida.MessageNewPayload) {
				fmt.Printf("%s message in %s from %s: %s\n",
					time.Now().Format(time.TimeOnly), m.ConversationID, m.SenderID, m.Content)
			})
			if err := rt.Connect(ctx); err != nil {
				s.log.Warn("realtime unavailable", zap.Error(err))
			}
			defer rt.Disconnect()
		}

		fmt.Printf("Watching %s every %s (Ctrl-C to stop)\n", s.client.BaseURL(), watchInterval)
		s.offline.Network.Watch(ctx, watchInterval, s.client.Probe)
		return nil
	},
}
