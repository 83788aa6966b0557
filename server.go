package main

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"

	"meetserver/internal/dispatch"
	"meetserver/internal/registry"
	"meetserver/internal/relay"
	"meetserver/internal/transfer"
)

// Server accepts control connections on a TCP listener and hands each one
// to its own dispatch.Conn, grounded on the teacher's server.go (which ran
// an equivalent accept loop behind an HTTPS/WebSocket upgrade). The control
// protocol here is raw length-prefixed frames over TCP (see
// internal/protocol), so there is no HTTP handler or TLS termination to own.
type Server struct {
	listener    net.Listener
	dispatchCfg dispatch.Config
	reg         *registry.Registry
	transfer    *transfer.Coordinator
	addrs       *relay.AddressRegistry

	wg sync.WaitGroup
}

func NewServer(listener net.Listener, dispatchCfg dispatch.Config, reg *registry.Registry, transferCoordinator *transfer.Coordinator, addrs *relay.AddressRegistry) *Server {
	return &Server{
		listener:    listener,
		dispatchCfg: dispatchCfg,
		reg:         reg,
		transfer:    transferCoordinator,
		addrs:       addrs,
	}
}

// Run accepts connections until ctx is cancelled or the listener errors. It
// blocks until every spawned connection has finished cleanup, so a caller
// can rely on the relay's address registry being fully drained once Run
// returns.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn := dispatch.New(netConn, s.dispatchCfg, s.reg, s.transfer, s.addrs.Remove)
			log.Printf("[dispatch] accepted %s (participant %d)", netConn.RemoteAddr(), conn.ParticipantID())
			conn.Serve(ctx)
		}()
	}
}
