package logctx

import (
	"context"
	"log/slog"
)

// Handler enriches records with pool and session identity carried in the
// context, so call sites never thread loggers by hand.
type Handler struct {
	slog.Handler
}

func NewHandler(inner slog.Handler) Handler {
	return Handler{Handler: inner}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if pd, ok := ctx.Value(poolDataKey{}).(*PoolData); ok {
		r.AddAttrs(slog.Group("pool",
			slog.String("database", pd.Database),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("session",
			slog.String("name", sd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type poolDataKey struct{}

type PoolData struct {
	Database string
}

func WithPool(ctx context.Context, data *PoolData) context.Context {
	return context.WithValue(ctx, poolDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	Name string
}

func WithSession(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
