package audit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the rotating JSON-lines audit file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileWriter appends one JSON line per record to a size-rotated file.
type FileWriter struct {
	rotator *lumberjack.Logger
	logger  *zap.Logger
}

// NewFileWriter opens (or creates) the audit file described by cfg.
func NewFileWriter(cfg FileConfig) *FileWriter {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "logged_at"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = zapcore.OmitKey
	encCfg.LevelKey = zapcore.OmitKey
	encCfg.CallerKey = zapcore.OmitKey

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), zapcore.InfoLevel)
	return &FileWriter{rotator: rotator, logger: zap.New(core)}
}

func (w *FileWriter) Append(rec *Record) {
	row := toRow(rec)
	w.logger.Info("",
		zap.String("id", row.ID),
		zap.String("session_id", row.SessionID),
		zap.Time("timestamp", row.Timestamp),
		zap.String("request_id", row.RequestID),
		zap.String("turn_id", row.TurnID),
		zap.String("tool_name", row.ToolName),
		zap.String("arguments_json", row.ArgumentsJSON),
		zap.String("decision", row.Decision),
		zap.String("reason", row.Reason),
		zap.String("outcome", row.Outcome),
		zap.String("outcome_reason", row.OutcomeReason),
	)
}

func (w *FileWriter) Close() {
	_ = w.logger.Sync()
	_ = w.rotator.Close()
}
