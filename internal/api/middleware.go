package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/teris-io/shortid"
)

const requestIdHeader = "X-Request-Id"

type contextKey string

const requestIdKey contextKey = "request-id"

func RequestId(ctx context.Context) string {
	id, _ := ctx.Value(requestIdKey).(string)
	return id
}

func (s *RoomApp) requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIdHeader)
		if id == "" || len(id) > 64 {
			var err error
			if id, err = shortid.Generate(); err != nil {
				s.log.Printf("generate request id: %v", err)
			}
		}

		w.Header().Set(requestIdHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIdKey, id)))
	})
}

func (s *RoomApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("[%s] panic: %v", RequestId(r.Context()), panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *RoomApp) noCache(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r)
	}
}

func (s *RoomApp) moderatorMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.noCache(func(w http.ResponseWriter, r *http.Request) {
		if !s.isModerator(r) {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	})
}
