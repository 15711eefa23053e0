package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bikeshop/order-service/internal/platform/requestctx"
)

func TestServiceLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := ServiceLogger(zap.New(core))

	log(context.Background(), "order.compensation.completed", map[string]any{"orderId": "o1", "actions": 2})
	log(context.Background(), "order.compensation.failed", map[string]any{"orderId": "o1"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["orderId"] != "o1" || entries[0].ContextMap()["event"] != "order.compensation.completed" {
		t.Fatalf("unexpected fields %v", entries[0].ContextMap())
	}
}

func TestServiceLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	requestCore, requestLogs := observer.New(zapcore.InfoLevel)
	log := ServiceLogger(zap.New(fallbackCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "order.event.publish.failed", nil)

	if fallbackLogs.Len() != 0 || requestLogs.Len() != 1 {
		t.Fatalf("expected request logger to be used")
	}
}

func TestRequestLoggerRecordsRouteAndMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := NewMetrics()

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(TraceMiddleware("proj"))
	router.Use(RequestLoggerMiddleware(metrics))
	router.Get("/api/orders/{orderId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/api/orders/{orderId}" || fields["status"] != int64(http.StatusNotFound) {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["trace_id"] != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected inbound trace id, got %v", fields["trace_id"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 4xx, got %v", entries[0].Level)
	}
	if !strings.HasPrefix(rec.Header().Get(cloudTraceHeader), "105445aa7843bc8bf206b12000100000/") {
		t.Fatalf("expected trace header echo, got %q", rec.Header().Get(cloudTraceHeader))
	}

	count := testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodGet, "/api/orders/{orderId}", "404"))
	if count != 1 {
		t.Fatalf("expected request counter 1, got %v", count)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic log")
	}
}

func TestSagaMetrics(t *testing.T) {
	m := NewMetrics()
	m.OrderCreated("success")
	m.PaymentProcessed("declined")
	m.CompensationRan("release_stock", true)
	m.CompensationRan("release_stock", false)
	m.ObserveRequest(http.MethodPost, "/api/orders", 201, 10*time.Millisecond)

	if v := testutil.ToFloat64(m.created.WithLabelValues("success")); v != 1 {
		t.Fatalf("unexpected created %v", v)
	}
	if v := testutil.ToFloat64(m.compensations.WithLabelValues("release_stock", "failed")); v != 1 {
		t.Fatalf("unexpected compensation failures %v", v)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "order_payments_total") {
		t.Fatalf("expected payments metric in exposition")
	}

	var nilMetrics *Metrics
	nilMetrics.OrderCreated("success")
	nilMetrics.ObserveRequest("GET", "/", 200, time.Millisecond)
}

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/123;o=1")
	if !ok || !sc.IsSampled() || sc.SpanID().String() != "0000000000000123" {
		t.Fatalf("unexpected span context %v %v", sc, ok)
	}
	if _, ok := parseCloudTraceContext("garbage"); ok {
		t.Fatalf("expected garbage to be rejected")
	}
}
