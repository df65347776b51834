package observability

import (
	"errors"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"go.uber.org/zap"
)

// AccessLog is a RequestLogger writing one structured entry per exchange
type AccessLog struct {
	logger *zap.Logger
}

// NewAccessLog creates an access logger under the "access" name
func NewAccessLog(logger *zap.Logger) *AccessLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessLog{logger: logger.Named("access")}
}

func (a *AccessLog) Access(req *http.Request, resp *http.Response, elapsed time.Duration) {
	fields := append(requestFields(req),
		zap.Int("status", resp.Status()),
		zap.Int64("bytes", resp.WrittenBytes()),
		zap.Duration("duration", elapsed),
	)
	a.logger.Info("request", fields...)
}

func (a *AccessLog) Error(req *http.Request, resp *http.Response, err error) {
	fields := append(requestFields(req),
		zap.Int("status", resp.Status()),
		zap.Error(err),
	)
	var pe *http.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.ByteString("stack", pe.Stack))
	}
	a.logger.Error("request failed", fields...)
}

func requestFields(req *http.Request) []zap.Field {
	if req == nil {
		return make([]zap.Field, 0, 4)
	}
	fields := make([]zap.Field, 0, 8)
	if addr := req.RemoteAddr(); addr != nil {
		fields = append(fields, zap.String("remote", addr.String()))
	}
	fields = append(fields,
		zap.String("method", req.Method()),
		zap.String("uri", req.RequestURI()),
	)
	if user := req.RemoteUser(); user != "" {
		fields = append(fields, zap.String("user", user))
	}
	return fields
}
