package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/omd02/ratelimit/storage/uri"
	"github.com/omd02/ratelimit/strategies/fixedwindow"
	"github.com/omd02/ratelimit/strategies/movingwindow"
	"github.com/omd02/ratelimit/strategies/slidingwindowcounter"
	"github.com/omd02/ratelimit/strategy"
)

// openStrategy opens the configured storage backend and wraps it in the
// configured strategy. The caller owns the returned Backend.Close.
func openStrategy(ctx context.Context) (strategy.Strategy, *uri.Backend, error) {
	backend, err := uri.Open(ctx, storageURI, uri.Option{})
	if err != nil {
		return nil, nil, fmt.Errorf("open storage %q: %w", storageURI, err)
	}

	s, err := buildStrategy(strategyName, backend.Store)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return s, backend, nil
}

func buildStrategy(name string, store any) (strategy.Strategy, error) {
	log := zap.NewNop().Sugar()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l.Sugar()
		}
	}
	switch name {
	case "fixed":
		return fixedwindow.New(store, fixedwindow.WithLogger(log))
	case "moving":
		return movingwindow.New(store, movingwindow.WithLogger(log))
	case "sliding":
		return slidingwindowcounter.New(store, slidingwindowcounter.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown strategy %q (want fixed, moving, or sliding)", name)
	}
}
