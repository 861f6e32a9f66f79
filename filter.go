// Package disclaimr is a milter that adds disclaimers to mails.
//
// The rule evaluation itself lives in package rules. This package binds a [rules.Engine]
// to the milter protocol.
package disclaimr

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/rules"
	"github.com/d--j/go-milter"
)

// Filter is a running milter server.
type Filter struct {
	wgDone sync.WaitGroup
	socket net.Listener
	server *milter.Server
}

func init() {
	milter.LogWarning = func(format string, v ...interface{}) {
		log.Warn().Msgf(format, v...)
	}
}

// New creates and starts a [Filter] listening on network and address.
// Every MTA connection gets its own backend that feeds the events into a session of engine.
func New(network, address string, engine *rules.Engine, opts ...Option) (*Filter, error) {
	if engine == nil {
		return nil, errors.New("disclaimr: engine is nil")
	}
	resolved := options{progressInterval: defaultProgressInterval}
	for _, o := range opts {
		o(&resolved)
	}
	if resolved.progressInterval <= 0 {
		resolved.progressInterval = defaultProgressInterval
	}

	milterOptions := []milter.Option{
		milter.WithMilter(func() milter.Milter {
			return &backend{engine: engine, opts: resolved}
		}),
		milter.WithActions(milter.OptAddHeader | milter.OptChangeHeader | milter.OptChangeBody),
		milter.WithProtocols(milter.OptNoHelo | milter.OptNoData | milter.OptNoUnknown | milter.OptNoHeaderReply),
		milter.WithMacroRequest(milter.StageEOM, []milter.MacroName{milter.MacroQueueId}),
	}
	if resolved.readTimeout > 0 {
		milterOptions = append(milterOptions, milter.WithReadTimeout(resolved.readTimeout))
	}
	if resolved.writeTimeout > 0 {
		milterOptions = append(milterOptions, milter.WithWriteTimeout(resolved.writeTimeout))
	}

	socket, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	server := milter.NewServer(milterOptions...)
	f := &Filter{socket: socket, server: server}

	f.wgDone.Add(1)
	go func(socket net.Listener) {
		defer f.wgDone.Done()
		if err := server.Serve(socket); err != nil && !errors.Is(err, milter.ErrServerClosed) {
			log.Error().Err(err).Msg("milter server stopped")
		}
	}(socket)

	log.Info().Str("network", network).Str("address", socket.Addr().String()).Msg("milter listening")
	return f, nil
}

// Addr returns the address of the listening socket. It returns nil when there is no socket.
func (f *Filter) Addr() net.Addr {
	if f.socket == nil {
		return nil
	}
	return f.socket.Addr()
}

// Wait blocks until the server stopped.
func (f *Filter) Wait() {
	f.wgDone.Wait()
	_ = f.server.Close()
}

// Close stops the server immediately.
func (f *Filter) Close() {
	_ = f.server.Close()
}

// Shutdown stops accepting new connections and waits for running ones until ctx is done.
func (f *Filter) Shutdown(ctx context.Context) error {
	return f.server.Shutdown(ctx)
}
