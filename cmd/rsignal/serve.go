package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"remote-signal/codec"
	"remote-signal/config"
	"remote-signal/middleware"
	"remote-signal/registry"
	"remote-signal/router"
	"remote-signal/service"
	"remote-signal/transport"
	"remote-signal/xlog"
)

var optEcho *string

func init() {
	cmd := &cobra.Command{
		Use:   "serve [schema]",
		Short: "Serves the service described by a schema file",
		Long: "Serves the service described by a schema file. Every call is logged; " +
			"with --echo each call is answered by emitting the named signal with the call's parameters.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Schema = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, *optEcho)
		},
	}
	optEcho = cmd.Flags().String("echo", "", "Signal emitted with the parameters of every call")
	rootCommand.AddCommand(cmd)
}

// echoHandlers logs every method call and, when echo names a signal,
// re-emits the call's parameters as that signal.
func echoHandlers(desc *service.Desc, echo string, ep **service.Endpoint) (service.Handlers, error) {
	if echo != "" {
		if _, ok := desc.Signal(echo); !ok {
			return nil, errors.Errorf("schema %s declares no signal %q", desc.Name, echo)
		}
	}
	log := xlog.Component("serve")
	return lo.Associate(desc.Methods, func(m service.MethodDesc) (string, service.HandlerFunc) {
		return m.Name, func(a service.Args) error {
			log.Info().Str("service", a.Service()).Str("method", a.Method()).Stringer("params", a.Params()).Msg("call")
			if echo == "" {
				return nil
			}
			return (*ep).Emit(echo, a.Params())
		}
	}), nil
}

func newServiceRouter(cfg *config.Config, desc *service.Desc, echo string) (*router.Router, error) {
	cd, err := codecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	var ep *service.Endpoint
	handlers, err := echoHandlers(desc, echo, &ep)
	if err != nil {
		return nil, err
	}
	if ep, err = service.NewService(desc, handlers); err != nil {
		return nil, err
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(xlog.Component("dispatch"))}
	if cfg.RateLimit.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	r := router.New(
		router.WithCodec(cd),
		router.WithHeartbeat(cfg.Heartbeat.Duration()),
		router.WithMiddleware(mws...),
	)
	if err := r.Register(ep); err != nil {
		return nil, err
	}
	go drainErrors(r)
	return r, nil
}

// drainErrors logs error messages peers send until the router closes.
func drainErrors(r *router.Router) {
	log := xlog.Component("serve")
	for {
		select {
		case msg := <-r.Errors():
			log.Warn().Stringer("kind", msg.ErrorKind).Str("service", msg.Service).Str("method", msg.Method).Msg(msg.Description)
		case <-r.Done():
			return
		}
	}
}

func codecFor(name string) (codec.Codec, error) {
	t, err := codec.ParseType(name)
	if err != nil {
		return nil, err
	}
	return codec.Get(t)
}

func serve(ctx context.Context, cfg *config.Config, echo string) error {
	if cfg.Schema == "" {
		return errors.New("no schema given")
	}
	desc, err := service.LoadDesc(cfg.Schema)
	if err != nil {
		return err
	}

	opts := []transport.ServerOption{
		transport.WithCodecName(cfg.Codec),
		transport.WithServices(desc.Name),
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration())
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, transport.WithRegistry(reg, cfg.AdvertiseAddr(), cfg.Registry.TTL))
	}
	if cfg.Yamux {
		opts = append(opts, transport.WithYamux())
	}

	var srv *transport.Server
	if cfg.PerConn {
		srv = transport.NewPerConnServer(func() (*router.Router, error) {
			return newServiceRouter(cfg, desc, echo)
		}, opts...)
	} else {
		r, err := newServiceRouter(cfg, desc, echo)
		if err != nil {
			return err
		}
		defer r.Close()
		srv = transport.NewServer(r, opts...)
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("rsignal "+desc.Name))
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		defer nc.Close()
		conn, err := transport.NATSServerConn(nc, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		if _, err := srv.ServeConn(conn); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Listen != "" {
		eg.Go(func() error { return srv.Serve("tcp", cfg.Listen) })
	}
	if cfg.Websocket != "" {
		hs := &http.Server{Addr: cfg.Websocket, Handler: srv.WebsocketHandler()}
		eg.Go(func() error {
			if err := hs.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	xlog.Info().Str("service", desc.Name).Str("codec", cfg.Codec).Msg("serving")
	return eg.Wait()
}

