// Package metrics はライブセッションの Prometheus メトリクスを定義します。
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "interview_live"

var (
	// ChunksSent は送信したメディアチャンク数 (mime_type 別) です。
	ChunksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_sent_total",
		Help:      "Media chunks written to the live connection.",
	}, []string{"mime_type"})

	// ChunksDropped は破棄したチャンク・フレーム数 (理由別) です。
	ChunksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_dropped_total",
		Help:      "Media chunks or frames dropped before reaching the connection.",
	}, []string{"reason"})

	// Reconnects は再接続の試行回数 (結果別) です。
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after abnormal closure.",
	}, []string{"result"})

	// TurnsCompleted はモデルのターン完了数です。
	TurnsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_completed_total",
		Help:      "Model turns completed.",
	})

	// Transcriptions は文字起こしの結果別件数です。
	Transcriptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcriptions_total",
		Help:      "Transcriptions of model audio by result.",
	}, []string{"result"})

	// MinutesDeducted は精算サービスに請求した分数です。
	MinutesDeducted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "minutes_deducted_total",
		Help:      "Minutes requested for deduction.",
	})

	// CreditExhaustions はクレジット枯渇による強制終了の予約回数です。
	CreditExhaustions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credit_exhaustions_total",
		Help:      "Sessions scheduled for termination because credits ran out.",
	})

	// SessionTeardowns はセッション終了の理由別件数です。
	SessionTeardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_teardowns_total",
		Help:      "Session teardowns by reason.",
	}, []string{"reason"})
)

var all = []prometheus.Collector{
	ChunksSent,
	ChunksDropped,
	Reconnects,
	TurnsCompleted,
	Transcriptions,
	MinutesDeducted,
	CreditExhaustions,
	SessionTeardowns,
}

// NewRegistry はライブセッションのメトリクスと Go ランタイムのメトリクスを登録したレジストリを返します。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range all {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Exporter は /metrics を HTTP で公開します。
type Exporter struct {
	server *http.Server
	mu     sync.Mutex
}

// NewExporter は指定アドレスで待ち受けるエクスポータを作成します。
func NewExporter(addr string, reg *prometheus.Registry) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Exporter{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start は非同期でサーバーを起動します。
func (e *Exporter) Start() {
	go func() {
		slog.Info("メトリクスエクスポータを起動します", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("メトリクスエクスポータが停止しました", "error", err)
		}
	}()
}

// Shutdown はサーバーを停止します。
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server.Shutdown(ctx)
}
