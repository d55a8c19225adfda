package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"vaultscan/internal/domain/nearby"
	applog "vaultscan/internal/platform/log"
)

const instrumentationName = "vaultscan/search"

var (
	attrSessionID  = attribute.Key("search.session_id")
	attrTargetID   = attribute.Key("search.target_id")
	attrTargetSize = attribute.Key("search.target_size")
	attrState      = attribute.Key("search.state")
	attrRecords    = attribute.Key("search.records")
	attrRecordID   = attribute.Key("record.id")
	attrOutcome    = attribute.Key("fetch.outcome")
)

// Config 遥测配置
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint OTLP/HTTP 地址（如 http://collector:4318），为空时不导出
	Endpoint       string
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Manager 会话级 span 与查询级指标，实现 nearby.Observer
type Manager struct {
	tracer         trace.Tracer
	tracerProvider trace.TracerProvider

	fetches      metric.Int64Counter
	fetchLatency metric.Float64Histogram
	sessions     metric.Int64Counter

	// 会话 ID -> span
	spans sync.Map
}

// New 创建遥测管理器
func New(ctx context.Context, cfg Config) (*Manager, error) {
	tp := cfg.TracerProvider
	if tp == nil {
		res, err := buildResource(cfg)
		if err != nil {
			return nil, err
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
			applog.Info("[Telemetry] OTLP trace exporter enabled", "endpoint", endpoint)
		}
		tp = sdktrace.NewTracerProvider(opts...)
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	fetches, err := meter.Int64Counter("vaultscan.fetch.count",
		metric.WithDescription("Record lookups by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("vaultscan.fetch.duration",
		metric.WithDescription("Record lookup latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("vaultscan.session.count",
		metric.WithDescription("Finished search sessions by state"))
	if err != nil {
		return nil, err
	}

	return &Manager{
		tracer:         tp.Tracer(instrumentationName),
		tracerProvider: tp,
		fetches:        fetches,
		fetchLatency:   latency,
		sessions:       sessions,
	}, nil
}

// SessionStarted 为会话开启根 span
func (m *Manager) SessionStarted(ctx context.Context, s *nearby.Session) context.Context {
	ctx, span := m.tracer.Start(ctx, "search.session",
		trace.WithAttributes(
			attrSessionID.String(s.ID),
			attrTargetID.Int64(s.Request.TargetID),
			attrTargetSize.Int(s.Snapshot().TargetSize),
		),
	)
	m.spans.Store(s.ID, span)
	return ctx
}

// SessionFinished 结束会话 span 并记录终态
func (m *Manager) SessionFinished(ctx context.Context, s *nearby.Session) {
	state := s.State()
	m.sessions.Add(ctx, 1, metric.WithAttributes(attrState.String(string(state))))

	v, ok := m.spans.LoadAndDelete(s.ID)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(
		attrState.String(string(state)),
		attrRecords.Int(len(s.Results())),
	)
	EndSpan(span, s.Err())
}

// FetchFinished 记录单次查询的耗时与结果
func (m *Manager) FetchFinished(ctx context.Context, id int64, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attrOutcome.String(outcome))
	m.fetches.Add(ctx, 1, attrs)
	m.fetchLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("fetch", trace.WithAttributes(
			attrRecordID.Int64(id),
			attrOutcome.String(outcome),
		))
	}
}

// Shutdown 刷新并关闭 TracerProvider
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if closer, ok := m.tracerProvider.(interface {
		Shutdown(context.Context) error
	}); ok && closer != nil {
		return closer.Shutdown(ctx)
	}
	return nil
}

// EndSpan 统一错误记录后结束 span
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}

func buildResource(cfg Config) (*resource.Resource, error) {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "vaultscan"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	base := resource.Default()
	schema := base.SchemaURL()
	if schema == "" {
		schema = semconv.SchemaURL
	}
	res, err := resource.Merge(base, resource.NewWithAttributes(schema, attrs...))
	if errors.Is(err, resource.ErrSchemaURLConflict) {
		return resource.NewWithAttributes(schema, attrs...), nil
	}
	return res, err
}

var _ nearby.Observer = (*Manager)(nil)
