package exporter

import (
	"github.com/jrife/grouse/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogExporter writes every record to a zap logger
type LogExporter struct {
	level      zapcore.Level
	logger     *zap.Logger
	controller Controller
}

func newLogExporterFromArgs(args map[string]string) (Exporter, error) {
	level := zapcore.InfoLevel

	if raw, ok := args["level"]; ok {
		if err := level.Set(raw); err != nil {
			return nil, err
		}
	}

	return &LogExporter{level: level}, nil
}

// Open implements Exporter.Open
func (exporter *LogExporter) Open(context Context) error {
	exporter.logger = context.Logger
	exporter.controller = context.Controller

	return nil
}

// Export implements Exporter.Export
func (exporter *LogExporter) Export(record protocol.Record) error {
	if ce := exporter.logger.Check(exporter.level, "exported record"); ce != nil {
		ce.Write(
			zap.Stringer("position", record.Position),
			zap.Int64("key", record.Key),
			zap.String("recordType", string(record.RecordType)),
			zap.String("valueType", string(record.ValueType)),
			zap.String("intent", string(record.Intent)),
			zap.Any("value", record.Value),
		)
	}

	exporter.controller.UpdateLastExportedPosition(record.Position)

	return nil
}

// Close implements Exporter.Close
func (exporter *LogExporter) Close() error {
	return exporter.logger.Sync()
}
