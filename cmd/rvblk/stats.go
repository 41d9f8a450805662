package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/config"
)

func startStats(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) error {
	if c.Type == "" || c.Type == "none" {
		return nil
	}
	if c.Interval == 0 {
		return errors.New("stats.interval was an invalid duration")
	}

	switch c.Type {
	case "graphite":
		if err := startGraphiteStats(l, c, r); err != nil {
			return err
		}
	case "prometheus":
		if err := startPrometheusStats(l, c, r, buildVersion); err != nil {
			return err
		}
	default:
		return fmt.Errorf("stats.type was not understood: %s", c.Type)
	}

	metrics.RegisterRuntimeMemStats(r)
	go metrics.CaptureRuntimeMemStats(r, c.Interval)
	return nil
}

func startGraphiteStats(l *logrus.Logger, c config.Stats, r metrics.Registry) error {
	if c.Host == "" {
		return errors.New("stats.host can not be empty")
	}

	addr, err := net.ResolveTCPAddr(c.Protocol, c.Host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", c.Interval, c.Prefix, addr)
	go graphite.Graphite(r, c.Interval, c.Prefix, addr)
	return nil
}

func startPrometheusStats(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) error {
	if c.Listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the rvblk binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: c.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		l.Infof("Prometheus stats listening on %s at %s", c.Listen, c.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats listener failed")
		}
	}()
	return nil
}
