package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/signal"
)

// Signals はサーバーの共有シグナルAPIを使うStoreを返す。
// 名前空間はこのクライアントの端末ID。
func (c *Client) Signals() signal.Store {
	return &remoteStore{c: c}
}

type remoteStore struct {
	c *Client
}

func signalPath(key string) string {
	return "/api/signals/" + url.PathEscape(key)
}

func (s *remoteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := signal.ValidateKey(key); err != nil {
		return "", false, err
	}
	var body struct {
		Value string `json:"value"`
	}
	err := s.c.do(ctx, http.MethodGet, signalPath(key), nil, &body)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSignalNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return body.Value, true, nil
}

func (s *remoteStore) Set(ctx context.Context, key, value string) error {
	if err := signal.ValidateKey(key); err != nil {
		return err
	}
	return s.c.do(ctx, http.MethodPut, signalPath(key), struct {
		Value string `json:"value"`
	}{value}, nil)
}

func (s *remoteStore) Delete(ctx context.Context, key string) error {
	if err := signal.ValidateKey(key); err != nil {
		return err
	}
	return s.c.do(ctx, http.MethodDelete, signalPath(key), nil, nil)
}

func (s *remoteStore) Clear(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, "/api/signals", nil, nil)
}
