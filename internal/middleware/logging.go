package middleware

import (
    "github.com/labstack/echo/v4"
    echomw "github.com/labstack/echo/v4/middleware"
    "go.uber.org/zap"
)

// RequestLogger logs one line per request through zap, including the
// request id set by echo's RequestID middleware.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
    log = log.Named("http")
    return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
        LogMethod:    true,
        LogURI:       true,
        LogStatus:    true,
        LogLatency:   true,
        LogRemoteIP:  true,
        LogRequestID: true,
        LogError:     true,
        HandleError:  true,
        LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
            fields := []zap.Field{
                zap.String("request_id", v.RequestID),
                zap.String("method", v.Method),
                zap.String("uri", v.URI),
                zap.Int("status", v.Status),
                zap.Duration("latency", v.Latency),
                zap.String("ip", v.RemoteIP),
            }
            if occ := Occupant(c); occ != "" {
                fields = append(fields, zap.String("occupant", occ))
            }
            switch {
            case v.Error != nil:
                log.Warn("request failed", append(fields, zap.Error(v.Error))...)
            case v.Status >= 500:
                log.Warn("request", fields...)
            default:
                log.Debug("request", fields...)
            }
            return nil
        },
    })
}
