package session

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/stellavoice/voicecore/internal/session"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)
