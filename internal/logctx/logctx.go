// Package logctx enriches slog records with request and principal
// attributes carried in the context, so handlers and flow code never thread
// logging fields by hand. Session identifiers are deliberately absent: they
// are bearer credentials and must never reach logs.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if pd, ok := ctx.Value(principalDataKey{}).(*PrincipalData); ok {
		r.AddAttrs(slog.Group("principal",
			slog.String("user_id", pd.UserID),
			slog.String("provider", pd.Provider),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	UserAgent  string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type principalDataKey struct{}

type PrincipalData struct {
	UserID   string
	Provider string
}

func WithPrincipalData(ctx context.Context, data *PrincipalData) context.Context {
	return context.WithValue(ctx, principalDataKey{}, data)
}
