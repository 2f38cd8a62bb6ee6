package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"remote-signal/client"
	"remote-signal/config"
	"remote-signal/loadbalance"
	"remote-signal/message"
	"remote-signal/registry"
	"remote-signal/router"
	"remote-signal/transport"
)

func init() {
	cmd := &cobra.Command{
		Use:   "call Service.method [key=value...]",
		Short: "Calls a remote method and prints what comes back",
		Long: "Calls a remote method and prints the signals and errors received until --wait elapses. " +
			"The peer is --addr (host:port or ws:// URL), else discovered in the registry, else the NATS subject.",
		Args: cobra.MinimumNArgs(1),
	}
	optAddr := cmd.Flags().StringP("addr", "a", "", "Address to dial")
	optWait := cmd.Flags().DurationP("wait", "w", time.Second, "How long to print incoming messages")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		call, err := parseCall(args[0], args[1:])
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), cfg, *optAddr, call, *optWait, cmd.OutOrStdout())
	}
	rootCommand.AddCommand(cmd)
}

// parseCall builds a call from "Service.method" and key=value arguments.
func parseCall(target string, args []string) (*message.Message, error) {
	svc, method, ok := strings.Cut(target, ".")
	if !ok || svc == "" || method == "" {
		return nil, errors.Errorf("invalid target %q, want Service.method", target)
	}
	var params message.Map
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("invalid parameter %q, want key=value", arg)
		}
		params.Set(k, parseValue(v))
	}
	return message.NewCall(svc, method, params), nil
}

// parseValue picks the narrowest type the text parses as.
func parseValue(s string) message.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return message.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return message.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return message.Bool(b)
	}
	if s == "null" {
		return message.Null()
	}
	return message.String(s)
}

// printer receives the signals of one service and prints them.
type printer struct {
	name string
	w    io.Writer
}

func (p printer) Name() string { return p.name }

func (p printer) ProcessMessage(msg *message.Message) error {
	fmt.Fprintf(p.w, "%s.%s %s\n", msg.Service, msg.Method, msg.Params)
	return nil
}

func runCall(ctx context.Context, cfg *config.Config, addr string, call *message.Message, wait time.Duration, out io.Writer) error {
	cd, err := codecFor(cfg.Codec)
	if err != nil {
		return err
	}
	r := router.New(router.WithCodec(cd))
	defer r.Close()
	if err := r.Register(printer{name: call.Service, w: out}); err != nil {
		return err
	}

	if err := connect(ctx, cfg, r, addr, call.Service); err != nil {
		return err
	}
	if err := r.Send(call); err != nil {
		return err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case msg := <-r.Errors():
			fmt.Fprintf(out, "error %s: %s\n", msg.ErrorKind, msg.Description)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func connect(ctx context.Context, cfg *config.Config, r *router.Router, addr, service string) error {
	switch {
	case addr != "":
		rwc, err := client.DefaultDial(ctx, addr)
		if err != nil {
			return err
		}
		r.AddDevice(rwc)
		return nil

	case len(cfg.Registry.Endpoints) > 0:
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration())
		if err != nil {
			return err
		}
		// The registry is only needed to find the peer.
		defer reg.Close()
		host, _ := os.Hostname()
		bal, err := loadbalance.New(cfg.Registry.Balancer, host)
		if err != nil {
			return err
		}
		_, err = client.New(reg, r, client.WithBalancer(bal)).Connect(ctx, service)
		return err

	case cfg.NATS.URL != "":
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		conn, err := transport.NATSClientConn(nc, cfg.NATS.Subject)
		if err != nil {
			nc.Close()
			return err
		}
		d := r.AddDevice(conn)
		go func() {
			<-d.Done()
			nc.Close()
		}()
		return nil
	}
	return errors.New("nowhere to connect: give --addr, registry endpoints or a NATS url")
}
