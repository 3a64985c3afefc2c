//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/config"
)

// Initialize builds the server from its configuration. wire generates the body.
func Initialize(cfg *config.Config) (*App, func(), error) {
	wire.Build(ProviderSet)
	return &App{}, nil, nil
}
