// Package metrics содержит метрики Prometheus сервиса оформления заказа.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

const namespace = "atelier"

// CheckoutMetrics объединяет счётчики переходов, ошибок проверки и размещения заказов.
// Методы безопасно вызывать на nil.
type CheckoutMetrics struct {
	Transitions        *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	Placements         *prometheus.CounterVec
	PlacementLatency   prometheus.Histogram
	Requests           *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
}

// NewCheckoutMetrics создаёт метрики и регистрирует их в reg.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	m := &CheckoutMetrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "transitions_total",
			Help:      "Checkout step transitions.",
		}, []string{"from", "to"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "validation_failures_total",
			Help:      "Rejected form fields per checkout step.",
		}, []string{"step", "field"}),
		Placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "order_placements_total",
			Help:      "Order placement attempts by result.",
		}, []string{"result"}),
		PlacementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "order_placement_duration_seconds",
			Help:      "Order placement call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(m.Transitions, m.ValidationFailures, m.Placements, m.PlacementLatency, m.Requests, m.RequestLatency)
	return m
}

// ObserveTransition учитывает переход между шагами. Переходы на тот же шаг не учитываются.
func (m *CheckoutMetrics) ObserveTransition(from, to model.CheckoutStep) {
	if m == nil || from == to {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveValidation учитывает отклонённые поля формы.
func (m *CheckoutMetrics) ObserveValidation(step model.CheckoutStep, fields []string) {
	if m == nil {
		return
	}
	for _, f := range fields {
		m.ValidationFailures.WithLabelValues(string(step), f).Inc()
	}
}

// ObservePlacement учитывает результат и длительность размещения заказа.
func (m *CheckoutMetrics) ObservePlacement(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Placements.WithLabelValues(result).Inc()
	m.PlacementLatency.Observe(took.Seconds())
}

// Middleware учитывает HTTP-запросы по шаблону маршрута chi.
func (m *CheckoutMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler возвращает HTTP-обработчик для выдачи метрик из g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
