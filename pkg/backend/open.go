package backend

import (
	"context"

	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Open builds the backend described by s. The returned function releases it.
func Open(_ context.Context, s settings.BackendSettings) (directory.Backend, func() error, error) {
	switch s.Kind {
	case settings.BackendMemory, "":
		store := NewMemoryStore()
		return store, store.Close, nil

	case settings.BackendSQLite:
		store, err := NewSQLiteStore(s.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open sqlite backend")
		}
		log.Debug().Str("dsn", s.DSN).Msg("opened sqlite backend")
		return store, store.Close, nil

	case settings.BackendHTTP:
		client, err := NewHTTPClient(s.BaseURL, s.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	}

	return nil, nil, errors.Errorf("unknown backend kind %q", s.Kind)
}
