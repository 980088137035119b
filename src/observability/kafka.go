package observability

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// KafkaHooks returns franz-go hooks that emit produce/consume spans and client
// metrics through the global OpenTelemetry providers.
func KafkaHooks() []kgo.Hook {
	tracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	meter := kotel.NewMeter(
		kotel.MeterProvider(otel.GetMeterProvider()),
	)
	return kotel.NewKotel(
		kotel.WithTracer(tracer),
		kotel.WithMeter(meter),
	).Hooks()
}
