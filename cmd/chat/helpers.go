package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	chat "github.com/streamline-chat/chat-sdk-go"
	"go.uber.org/zap"
)

var (
	errNoAPIKey = errors.New("no API key, run 'chat init <api-key>' first")
	errNoLogin  = errors.New("not logged in, run 'chat login <user-id>' first")
)

// newClient builds a client from the config. With --verbose all traffic
// is logged through zap; otherwise only errors go to stderr.
func newClient(cfg *Config) (*chat.Client, func(), error) {
	if cfg.Default.APIKey == "" {
		return nil, nil, errNoAPIKey
	}

	var (
		opts    []chat.ClientOption
		cleanup = func() {}
	)
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chat.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		z, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, fmt.Errorf("create logger: %w", err)
		}
		opts = append(opts, chat.WithLogger(chat.NewZapLogger(z)))
		cleanup = func() { z.Sync() }
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		opts = append(opts, chat.WithLogOptions(chat.LogError))
	}

	return chat.NewClient(cfg.Default.APIKey, opts...), cleanup, nil
}

// loggedInClient returns a client with the configured user set.
func loggedInClient() (*chat.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		return nil, nil, errNoLogin
	}
	client, cleanup, err := newClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := client.SetUser(&chat.User{ID: cfg.Auth.UserID}, chat.Token(cfg.Auth.Token)); err != nil {
		client.Close()
		cleanup()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		cleanup()
	}, nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
