package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/ingestd/sym"
)

// The subsystem symbol travels as a structured field so logs can be
// filtered per subsystem without parsing messages:
//
//	logger.AddPulseSymbol(log.Named("pulse")).Infow("Claimed job", logger.FieldJobID, id)

// WithSymbol tags every entry of l with s
func WithSymbol(l *zap.SugaredLogger, s string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, s)
}

// AddPulseSymbol tags scheduler and worker logs (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Pulse) }

// AddDBSymbol tags storage logs (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.DB) }

// AddIXSymbol tags ingestion engine logs (⨳)
func AddIXSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.IX) }

// AddTriggerSymbol tags trigger logs (⟶)
func AddTriggerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.TR) }

// AddMergeSymbol tags snapshot merge logs (⊕)
func AddMergeSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.MG) }
