package main

import (
	"context"
	"fmt"
	"io"

	"github.com/d--j/go-disclaimr/internal/config"
	"github.com/d--j/go-disclaimr/repository"
	"github.com/d--j/go-disclaimr/repository/filerepo"
	"github.com/d--j/go-disclaimr/repository/sqlrepo"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRepository opens the configuration store of cfg.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, io.Closer, error) {
	if cfg.Repository.Driver == "file" {
		m, err := filerepo.Load(fs, cfg.Repository.File)
		if err != nil {
			return nil, nil, err
		}
		return m, nopCloser{}, nil
	}
	r, err := sqlrepo.Open(ctx, cfg.Repository.Driver, cfg.Repository.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s repository: %w", cfg.Repository.Driver, err)
	}
	return r, r, nil
}
