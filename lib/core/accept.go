package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/transport"
)

// acceptor is the subset of *connections.Manager the accept loop needs,
// kept narrow so this file's tests can fake it without a full manager.
type acceptor interface {
	Accept(ctx context.Context, conn transport.Conn) error
}

// acceptLoop binds a transport.Listener to the connection manager's
// Accept, one goroutine per inbound socket, satisfying suture.Service so
// the supervisor restarts it if the accept loop itself ever returns
// early.
type acceptLoop struct {
	listener transport.Listener
	conns    acceptor
	log      zerolog.Logger
}

func (a *acceptLoop) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go func() {
			if err := a.conns.Accept(ctx, conn); err != nil {
				a.log.Debug().Err(err).Msg("inbound connection setup failed")
			}
		}()
	}
}
