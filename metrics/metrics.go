// Package metrics exports brewkv transaction activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brewkv"

// TxnObserver implements txn.Observer with Prometheus collectors.
type TxnObserver struct {
	admissionWait *prometheus.HistogramVec
	duration      *prometheus.HistogramVec
	commits       *prometheus.CounterVec
	aborts        *prometheus.CounterVec
	writes        prometheus.Counter
}

var _ txn.Observer = (*TxnObserver)(nil)

// NewTxnObserver creates the collectors and registers them with reg.
func NewTxnObserver(reg prometheus.Registerer) (*TxnObserver, error) {
	o := &TxnObserver{
		admissionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "txn_admission_wait_seconds",
			Help:      "Time a transaction request waited for admission.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "txn_duration_seconds",
			Help:      "Time from admission request to commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_commits_total",
			Help:      "Committed transactions.",
		}, []string{"mode"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_aborts_total",
			Help:      "Aborted or rolled back transactions.",
		}, []string{"mode"}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_writes_total",
			Help:      "Staged writes applied by committed transactions.",
		}),
	}

	for _, c := range []prometheus.Collector{o.admissionWait, o.duration, o.commits, o.aborts, o.writes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *TxnObserver) Admitted(mode txn.Mode, wait time.Duration) {
	o.admissionWait.WithLabelValues(mode.String()).Observe(wait.Seconds())
}

func (o *TxnObserver) Committed(mode txn.Mode, writes int, elapsed time.Duration) {
	o.commits.WithLabelValues(mode.String()).Inc()
	o.duration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	o.writes.Add(float64(writes))
}

func (o *TxnObserver) Aborted(mode txn.Mode, _ error) {
	o.aborts.WithLabelValues(mode.String()).Inc()
}

// Serve exposes the collectors of g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, l logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
