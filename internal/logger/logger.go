// Package logger builds the zerolog logger shared by the binaries and
// provides request logging for HTTP and Connect handlers.
package logger

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// New creates a logger. Development builds get a human-readable console
// writer, everything else logs JSON.
func New(environment, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, environment, level)
}

// NewWithWriter is New with an explicit destination
func NewWithWriter(w io.Writer, environment, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if environment == "development" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// HTTPMiddleware logs every request after it is served
func HTTPMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			var event *zerolog.Event
			switch {
			case status >= 500:
				event = log.Error()
			case status >= 400:
				event = log.Warn()
			default:
				event = log.Debug()
			}
			event.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", status).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("client_ip", r.RemoteAddr).
				Dur("latency", time.Since(start)).
				Msg("request processed")
		})
	}
}

// NewInterceptor logs unary Connect calls with their outcome code. Expected
// rejections (bad input, insufficient balance) are logged at info level.
func NewInterceptor(log zerolog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)

			event := log.Debug()
			code := "ok"
			if err != nil {
				c := connect.CodeOf(err)
				code = c.String()
				switch c {
				case connect.CodeInternal, connect.CodeUnknown, connect.CodeDataLoss, connect.CodeUnavailable:
					event = log.Error().Err(err)
				default:
					event = log.Info().Str("reason", errorMessage(err))
				}
			}
			event.Str("procedure", req.Spec().Procedure).
				Bool("client", req.Spec().IsClient).
				Str("code", code).
				Dur("latency", time.Since(start)).
				Msg("rpc")
			return res, err
		}
	}
}

func errorMessage(err error) string {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}
