package logger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLConfig controls statement logging.
type SQLConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// ParseSQLLevel maps silent, error, warn and info to gorm levels. Anything
// else is warn.
func ParseSQLLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// SQLLogger routes gorm output through zap, tagged with the provider event,
// payment or payout leg the statement ran for. Bound values are dropped
// before rendering: rows carry bank account numbers and payer emails.
type SQLLogger struct {
	base  *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func NewSQLLogger(base *zap.Logger, cfg SQLConfig) *SQLLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &SQLLogger{base: base.Named("sql"), level: cfg.Level, slow: cfg.SlowThreshold}
}

func (l *SQLLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *SQLLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, msg, data)
}

func (l *SQLLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, msg, data)
}

func (l *SQLLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, msg, data)
}

func (l *SQLLogger) message(ctx context.Context, level gormlogger.LogLevel, msg string, data []interface{}) {
	if l.level < level {
		return
	}
	text := msg
	if len(data) > 0 {
		text = fmt.Sprintf(msg, data...)
	}
	log := WithContext(ctx, l.base)
	switch level {
	case gormlogger.Error:
		log.Error(text)
	case gormlogger.Warn:
		log.Warn(text)
	default:
		log.Info(text)
	}
}

// Trace classifies every statement. Failures and slow statements are logged
// at the configured level; an UPDATE guarded by a version check that touched
// no row is a lost race and is logged as a version conflict.
func (l *SQLLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		msg   string
		level zapcore.Level
	)
	sql, rows := fc()
	stmt := describeStatement(sql)
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		return
	case err != nil && errors.Is(err, gorm.ErrDuplicatedKey) && l.level >= gormlogger.Warn:
		msg, level = "sql.duplicate_key", zapcore.WarnLevel
	case err != nil && l.level >= gormlogger.Error:
		msg, level = "sql.failed", zapcore.ErrorLevel
	case err != nil:
		return
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		msg, level = "sql.slow", zapcore.WarnLevel
	case stmt.guarded && rows == 0 && l.level >= gormlogger.Warn:
		msg, level = "sql.version_conflict", zapcore.InfoLevel
	case l.level >= gormlogger.Info:
		msg, level = "sql.statement", zapcore.DebugLevel
	default:
		return
	}

	fields := []zap.Field{
		zap.String("op", stmt.op),
		zap.String("table", stmt.table),
		zap.Int64("rows", rows),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", stmt.text),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if ce := WithContext(ctx, l.base).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// ParamsFilter keeps placeholders in the rendered statement.
func (l *SQLLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

type statement struct {
	op      string
	table   string
	text    string
	guarded bool
}

var (
	whitespace  = regexp.MustCompile(`\s+`)
	tablePrefix = regexp.MustCompile(`(?i)\b(?:from|into|update)\s+"?([a-z_][a-z0-9_]*)"?`)
	versionCAS  = regexp.MustCompile(`(?i)\band\s+version\s*=\s*(?:\?|\$\d+)`)
)

func describeStatement(sql string) statement {
	text := strings.TrimSpace(whitespace.ReplaceAllString(sql, " "))
	stmt := statement{op: "UNKNOWN", text: text}
	for _, token := range strings.Fields(strings.ToUpper(text)) {
		switch token = strings.Trim(token, "(;"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			stmt.op = token
		default:
			continue
		}
		break
	}
	if m := tablePrefix.FindStringSubmatch(text); m != nil {
		stmt.table = strings.ToLower(m[1])
	}
	stmt.guarded = stmt.op == "UPDATE" && versionCAS.MatchString(text)
	return stmt
}

var _ gormlogger.Interface = (*SQLLogger)(nil)
