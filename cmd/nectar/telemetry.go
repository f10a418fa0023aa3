package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/sambigeara/nectar/pkg/util"
)

// newMeterProvider collects into a manual reader; reportMetrics drains it to
// the log, so a node needs no collector to be observable.
func newMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "nectar"),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, nil, err
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, reader, nil
}

func reportMetrics(ctx context.Context, reader *sdkmetric.ManualReader, every time.Duration) {
	ticker := util.NewJitterTicker(ctx, every, 0.1)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logMetrics(context.Background(), reader)
			return
		case <-ticker.C:
			logMetrics(ctx, reader)
		}
	}
}

func logMetrics(ctx context.Context, reader *sdkmetric.ManualReader) {
	log := zap.S().Named("metrics")

	totals, err := collectCounters(ctx, reader)
	if err != nil {
		log.Debugw("metrics collection failed", zap.Error(err))
		return
	}

	kv := make([]any, 0, len(totals)*2)
	for name, v := range totals {
		kv = append(kv, name, v)
	}
	log.Infow("counters", kv...)
}

func collectCounters(ctx context.Context, reader *sdkmetric.ManualReader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals, nil
}
