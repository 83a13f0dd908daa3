// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelrepo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lookout.modelrepo")

// startCacheSpan creates a span for a cache operation.
func startCacheSpan(ctx context.Context, operation, key, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ModelCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("model.key", key),
			attribute.String("repository.url", url),
		),
	)
}

// setCacheSpanResult records how a Get was resolved.
func setCacheSpanResult(span trace.Span, result string) {
	span.SetAttributes(attribute.String("cache.result", result))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
