package main

import (
	"context"

	"github.com/go-go-golems/chatstate/pkg/backend"
	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/session"
	"github.com/go-go-golems/chatstate/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// newEngine builds an engine on the configured backend. Backend failures the
// directory absorbs are surfaced as warnings.
func newEngine(ctx context.Context) (*session.Engine, *settings.Settings, func() error, error) {
	s, err := settings.FromViper(viper.GetViper())
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "invalid settings")
	}

	b, closeBackend, err := backend.Open(ctx, s.Backend)
	if err != nil {
		return nil, nil, nil, err
	}

	engine := session.New(b,
		session.WithLogger(log.Logger),
		session.WithInlineDirectives(s.Directives.Inline),
		session.WithDirectoryOptions(directory.WithFailureHook(func(f directory.Failure) {
			log.Warn().Err(f.Err).Str("op", string(f.Op)).Msg("backend unavailable, continuing with local state")
		})),
	)

	log.Debug().Str("backend", string(s.Backend.Kind)).Bool("inline", s.Directives.Inline).Msg("engine ready")
	return engine, s, closeBackend, nil
}
