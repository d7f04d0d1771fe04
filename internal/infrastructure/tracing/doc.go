/*
Package tracing provides lightweight request tracing for the orchestrator
endpoint.

Spans carry parent-child relationships through context.Context and propagate
across process boundaries with the X-Trace-ID and X-Span-ID headers, so a
host hook, the rule activation it triggers, and the rule-engine call that
follows all land in the log under one trace id.

	tracer := tracing.New("orchestrator", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "rules.activate")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

Finished spans drain through a buffered channel into the structured log; a
full buffer drops spans instead of blocking the request path.
*/
package tracing
