// Package logger carries a request-scoped logrus entry through
// contexts. Queued jobs persist the same fields, so a cascade run hours
// later still logs the request ID of the HTTP call that triggered it.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type requestLoggerKey struct{}

var loggerKey = &requestLoggerKey{}

const (
	fieldRequestID = "requestID"
	fieldIdentity  = "identity"
)

// carrier is the wire form of the logger fields, stored alongside
// queued jobs.
type carrier struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity,omitempty"`
}

// InitLogger configures the process-wide formatter and level.
func InitLogger(level logrus.Level) {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrus.SetLevel(level)
}

// Default returns the plain process logger, without request fields.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// AddRequestID installs a middleware that tags every request context
// with a fresh request ID and echoes it in the X-Request-Id response
// header, so customers can quote it when reporting a problem.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, rlog := ContextWithLogger(r.Context())
			if id, ok := rlog.Data[fieldRequestID].(string); ok {
				w.Header().Set("X-Request-Id", id)
			}
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// ContextWithLogger ensures the context carries a request logger. A
// context that already has one is returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := fromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(fieldRequestID, id.String())
	return context.WithValue(ctx, loggerKey, rlog), rlog
}

// ContextWithLoggerIdentity tags the request logger with the
// authenticated identity. An existing request ID is kept.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(fieldIdentity, identity)
	return context.WithValue(ctx, loggerKey, rlog), rlog
}

// FromContext returns the request logger, or the default logger when
// the context has none.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := fromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

func fromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, _ := ctx.Value(loggerKey).(*logrus.Entry)
	return rlog
}

// RequestIDFromContext returns the request ID the context logger
// carries, or the empty string.
func RequestIDFromContext(ctx context.Context) string {
	return values(ctx).RequestID
}

// SerializeLoggerContext renders the logger fields as JSON for storage
// with a queued job. A context without a request logger serializes to
// an empty object.
func SerializeLoggerContext(ctx context.Context) []byte {
	c := values(ctx)
	if c.RequestID == "" {
		return []byte("{}")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContextWithLoggerFromData restores a logger from its serialized
// fields. Empty or malformed data yields a fresh request logger, a
// context that already has a logger is returned unchanged.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if fromContext(ctx) != nil {
		return ctx
	}

	var c carrier
	if err := json.Unmarshal(data, &c); err != nil || c.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(fieldRequestID, c.RequestID)
	if c.Identity != "" {
		rlog = rlog.WithField(fieldIdentity, c.Identity)
	}
	return context.WithValue(ctx, loggerKey, rlog)
}

func values(ctx context.Context) carrier {
	var c carrier
	rlog := fromContext(ctx)
	if rlog == nil {
		return c
	}
	if s, ok := rlog.Data[fieldRequestID].(string); ok {
		c.RequestID = s
	}
	if s, ok := rlog.Data[fieldIdentity].(string); ok {
		c.Identity = s
	}
	return c
}
