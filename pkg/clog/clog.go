package clog

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/diyartec/oauthrelay/pkg/errsource"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/errors/fmt"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfg = zap.Config{
	Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
	Encoding:    "json",
	OutputPaths: []string{"stdout"},
	EncoderConfig: zapcore.EncoderConfig{
		LevelKey:       "severity",
		MessageKey:     "message",
		EncodeLevel:    googleLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
	},
	ErrorOutputPaths: []string{"stderr"},
}

var Logger, _ = cfg.Build()

const fileSinkScheme = "rotate"

func init() {
	err := zap.RegisterSink(fileSinkScheme, func(u *url.URL) (zap.Sink, error) {
		return &fileSink{&lumberjack.Logger{
			Filename:   u.Path,
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}}, nil
	})
	if err != nil {
		panic(err)
	}
}

type fileSink struct {
	*lumberjack.Logger
}

func (*fileSink) Sync() error { return nil }

// Init replaces Logger with one at the given level. When logFile is set,
// output goes to a size-rotated file in addition to stdout.
func Init(level, logFile string) error {
	c := cfg
	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("clog: invalid log level %q: %w", level, err)
		}
		c.Level = zap.NewAtomicLevelAt(l)
	}
	if logFile != "" {
		// a relative path would be read back as the URL host
		path, err := filepath.Abs(logFile)
		if err != nil {
			return fmt.Errorf("clog: invalid log file %q: %w", logFile, err)
		}
		c.OutputPaths = append(c.OutputPaths, (&url.URL{Scheme: fileSinkScheme, Path: path}).String())
	}
	l, err := c.Build()
	if err != nil {
		return fmt.Errorf("clog: error building logger: %w", err)
	}
	Logger = l
	return nil
}

type ctxKey struct{}

type ctxValue struct {
	fields []zap.Field
	sync.Mutex
}

func Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &ctxValue{})
}

func fromContext(ctx context.Context) *ctxValue {
	v, _ := ctx.Value(ctxKey{}).(*ctxValue)
	return v
}

// Set adds fields to the next Log call for ctx. It is a no-op if ctx was not
// created with Context.
func Set(ctx context.Context, f ...zap.Field) {
	ctxVal := fromContext(ctx)
	if ctxVal == nil {
		return
	}
	ctxVal.Lock()
	ctxVal.fields = append(ctxVal.fields, f...)
	ctxVal.Unlock()
}

func Log(ctx context.Context, msg string) {
	ctxVal := fromContext(ctx)
	if ctxVal == nil {
		Logger.Info(msg)
		return
	}
	ctxVal.Lock()
	Logger.Info(msg, ctxVal.fields...)
	ctxVal.fields = ctxVal.fields[:0]
	ctxVal.Unlock()
}

func contextFields(ctx context.Context) []zap.Field {
	ctxVal := fromContext(ctx)
	if ctxVal == nil {
		return nil
	}
	ctxVal.Lock()
	defer ctxVal.Unlock()
	return append([]zap.Field(nil), ctxVal.fields...)
}

// ErrInfo is the context attached to an error log entry so that Cloud Error
// Reporting can group it.
type ErrInfo struct {
	Request      *http.Request
	ResponseCode int
	Repository   string
	Revision     string
}

// Error logs err with the fields accumulated in ctx.
func Error(ctx context.Context, err error, info *ErrInfo, fields ...zap.Field) {
	logError(Logger, err, info, append(contextFields(ctx), fields...), 1)
}

func ErrorWithLogger(logger *zap.Logger, err error, info *ErrInfo, fields ...zap.Field) {
	logError(logger, err, info, fields, 1)
}

func logError(logger *zap.Logger, err error, info *ErrInfo, fields []zap.Field, skip int) {
	if info == nil {
		info = &ErrInfo{}
	}
	fields = append(fields,
		zap.String("@type", "type.googleapis.com/google.devtools.clouderrorreporting.v1beta1.ReportedErrorEvent"),
		zap.Object("context", errContext{info: info, location: reportLocation(err, skip+1)}),
	)
	logger.Error(err.Error(), fields...)
}

func reportLocation(err error, skip int) *runtime.Frame {
	if f := errsource.Source(err); f != nil {
		return f
	}
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}
	f := &runtime.Frame{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		f.Function = fn.Name()
	}
	return f
}

type errContext struct {
	info     *ErrInfo
	location *runtime.Frame
}

func (c errContext) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if r := c.info.Request; r != nil {
		if err := enc.AddObject("httpRequest", httpRequest{r, c.info.ResponseCode}); err != nil {
			return err
		}
	}
	if l := c.location; l != nil {
		if err := enc.AddObject("reportLocation", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
			enc.AddString("filePath", strings.TrimPrefix(l.File, "/app/"))
			enc.AddString("functionName", l.Function)
			enc.AddInt("lineNumber", l.Line)
			return nil
		})); err != nil {
			return err
		}
	}
	if c.info.Repository != "" || c.info.Revision != "" {
		return enc.AddArray("sourceReferences", zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
			return enc.AppendObject(zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
				enc.AddString("repository", c.info.Repository)
				enc.AddString("revisionId", c.info.Revision)
				return nil
			}))
		}))
	}
	return nil
}

type httpRequest struct {
	*http.Request
	status int
}

func (r httpRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("method", r.Method)
	enc.AddString("referrer", r.Referer())
	enc.AddString("remoteIp", r.Header.Get("X-Forwarded-For"))
	if r.status != 0 {
		enc.AddInt("responseStatusCode", r.status)
	}
	if r.URL != nil {
		enc.AddString("url", r.URL.String())
	}
	enc.AddString("userAgent", r.UserAgent())
	return nil
}

func googleLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.PanicLevel:
		enc.AppendString("ALERT")
	case zapcore.FatalLevel:
		enc.AppendString("EMERGENCY")
	default:
		enc.AppendString("DEFAULT")
	}
}
