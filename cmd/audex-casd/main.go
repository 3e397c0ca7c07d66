package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"xdao.co/audex/metrics"
	"xdao.co/audex/storage/casregistry"
	"xdao.co/audex/storage/grpccas"

	_ "xdao.co/audex/storage/ipfs"
	_ "xdao.co/audex/storage/localfs"
	_ "xdao.co/audex/storage/memory"
)

var log = logging.Logger("casd")

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("audex-casd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "CAS backend name")
	metricsAddr := fs.String("metrics", "", "serve prometheus metrics on this address")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	var opts stringList
	fs.Var(&opts, "opt", "backend option as key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listBackends {
		printBackends(out)
		return 0
	}

	cfg := make(map[string]string, len(opts))
	for _, o := range opts {
		k, v, ok := strings.Cut(o, "=")
		if !ok || k == "" {
			fmt.Fprintf(errOut, "invalid -opt %q (want key=value)\n", o)
			return 2
		}
		cfg[k] = v
	}

	cas, closeFn, err := casregistry.Open(*backend, casregistry.UsageDaemon, cfg)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if closeFn != nil {
		defer closeFn() //nolint:errcheck
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer lis.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := grpc.NewServer()
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("listening", "addr", lis.Addr().String(), "backend", *backend)
		return s.Serve(lis)
	})
	var msrv *http.Server
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		msrv = &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		s.GracefulStop()
		if msrv != nil {
			_ = msrv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func printBackends(w io.Writer) {
	for _, b := range casregistry.List(casregistry.UsageDaemon) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(w, "%s\n", b.Name)
		} else {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
		}
		for _, o := range b.Options {
			req := ""
			if o.Required {
				req = " (required)"
			}
			_, _ = fmt.Fprintf(w, "  -opt %s=...\t%s%s\n", o.Key, o.Help, req)
		}
	}
}
