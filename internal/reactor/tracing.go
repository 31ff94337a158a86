// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tombee/daemoncore/internal/reactor"

// startSpan opens a span for one handler dispatch.
func (r *Reactor) startSpan(name string, key int, reg *Registration) (context.Context, trace.Span) {
	return r.tracer.Start(r.ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("dcore.key", key),
			attribute.String("dcore.kind", reg.kind.String()),
			attribute.String("dcore.label", reg.label),
			attribute.String("dcore.handler", reg.handler),
			attribute.String("dcore.instance_id", r.instanceID),
		),
	)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
