// Package telemetry wires global OpenTelemetry tracing for the gateway and
// its sibling commands. Without OTEL_EXPORTER_OTLP_ENDPOINT it installs a
// provider that records nothing, so callers never branch on whether tracing
// is configured.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultService = "resofleur"

// exporterConfig is the OTLP slice of the environment, read once at Init.
type exporterConfig struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	Required bool
}

func exporterFromEnv() exporterConfig {
	return exporterConfig{
		Endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:  parseHeaderList(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required: os.Getenv("OTEL_REQUIRED") == "true",
	}
}

// Init configures the global tracer provider and returns its shutdown
// function. Exporter failures are fatal only when OTEL_REQUIRED=true;
// otherwise the service runs with local-only tracing and logs why.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	cfg := exporterFromEnv()
	res := serviceResource(serviceName)
	sampler := samplerFromEnv()

	if cfg.Endpoint == "" {
		return install(trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(sampler),
		)), nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(sampler),
		)), nil
	}

	return install(trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
		trace.WithBatcher(exporter),
	)), nil
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}

func serviceResource(serviceName string) *resource.Resource {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	return res
}

// samplerFromEnv honors the standard OTEL_TRACES_SAMPLER variables. Unknown
// sampler names fall back to parent-based ratio sampling, ratio defaulting
// to 1 and clamped into [0, 1].
func samplerFromEnv() trace.Sampler {
	name := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER")))
	ratio := clampRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

func clampRatio(arg string) float64 {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 1
	}
	val, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 1
	}
	if val < 0 {
		return 0
	}
	if val > 1 {
		return 1
	}
	return val
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps an HTTP client's transport so outbound upstream
// calls carry trace context. A nil client gets the upstream default timeout.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaderList parses the W3C-style "k1=v1,k2=v2" header list the OTLP
// env convention uses. Malformed entries are skipped, not fatal.
func parseHeaderList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
