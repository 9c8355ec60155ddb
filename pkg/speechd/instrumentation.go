package speechd

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/speechd/pkg/speechd"

var tracer = otel.Tracer(scopeName)
