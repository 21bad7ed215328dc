package server

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/stellavoice/voicecore/internal/server"

var logger = otelslog.NewLogger(scopeName)
