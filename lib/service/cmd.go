// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/julienschmidt/httprouter"
	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/lib/config"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/health"
	"github.com/loomdb/loom/sdk/go/httpserver"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Handler serves one service's HTTP requests.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *loom.Cluster, token string, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    loom.ServiceName
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(svcName loom.ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)

	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	listenURL, internalURL, err := getListenAddr(cluster.Services, c.svcName, log)
	if err != nil {
		return 1
	}
	ctx = context.WithValue(ctx, contextKeyURL{}, internalURL)

	reg := prometheus.NewRegistry()
	loader.RegisterMetrics(reg)

	// loom_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, cluster.SystemRootToken, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, log,
		httpserver.HandlerWithDeadline(cluster.API.RequestTimeout.Duration(),
			httpserver.AddRequestIDs(
				httpserver.Inspect(reg, cluster.ManagementToken,
					httpserver.LogRequests(
						interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth,
							&httpserver.RequestLimiter{
								Handler:       handler,
								MaxConcurrent: cluster.API.MaxConcurrentRequests,
								MaxQueue:      cluster.API.MaxQueuedRequests,
								Registry:      reg,
							}))))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cluster.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listenURL.Host,
	}
	if listenURL.Scheme == "https" || listenURL.Scheme == "wss" {
		tlsconfig, err := tlsConfigWithCertUpdater(cluster, logger)
		if err != nil {
			logger.WithError(err).Errorf("cannot start %s service on %s", c.svcName, listenURL.String())
			return 1
		}
		srv.TLSConfig = tlsconfig
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"URL":     listenURL,
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	if done := handler.Done(); done != nil {
		go func() {
			// Shut down server if handler dies
			<-done
			srv.Close()
		}()
	}
	go watchConfigAndExit(ctx, logger, loader.Path, srv)
	go func() {
		// Shut down server on SIGTERM/SIGINT
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		select {
		case s := <-sig:
			logger.WithField("signal", s).Info("shutting down")
			srv.Close()
		case <-ctx.Done():
		}
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

// watchConfigAndExit shuts down the server when the config file
// changes, so the process exits and gets restarted with the new
// configuration. Errors setting up the watch are logged and otherwise
// ignored -- a service with an unwatchable config file (e.g., config
// came in on stdin) still runs.
func watchConfigAndExit(ctx context.Context, logger logrus.FieldLogger, path string, srv *httpserver.Server) {
	if path == "" || path == "-" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("cannot watch config file")
		return
	}
	defer watcher.Close()
	// Watch the directory, not the file: editors and config
	// management tools typically replace the file, which would
	// drop a watch on the file itself.
	if err := watcher.Add(dirname(path)); err != nil {
		logger.WithError(err).Warn("cannot watch config file")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			logger.WithError(err).Warn("config file watcher failed")
			return
		case ev := <-watcher.Events:
			if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.WithField("File", path).Info("config file changed, exiting")
			srv.Close()
			return
		}
	}
}

func dirname(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	return mux
}

// getListenAddr returns the URL to listen on, and the internal URL
// other cluster services will use to reach this process.
//
// If the LOOM_SERVICE_INTERNAL_URL environment variable is set, it
// determines the internal URL directly. Otherwise, the service
// section's InternalURLs are tried in turn, and the first one this
// host can listen on wins.
func getListenAddr(svcs loom.Services, prog loom.ServiceName, log logrus.FieldLogger) (loom.URL, loom.URL, error) {
	svc, ok := svcs.Map()[prog]
	if !ok {
		return loom.URL{}, loom.URL{}, fmt.Errorf("unknown service name %q", prog)
	}

	if want := os.Getenv("LOOM_SERVICE_INTERNAL_URL"); want == "" {
	} else if u, err := url.Parse(want); err != nil {
		return loom.URL{}, loom.URL{}, fmt.Errorf("$LOOM_SERVICE_INTERNAL_URL (%q): %s", want, err)
	} else {
		if u.Path == "" {
			u.Path = "/"
		}
		internalURL := loom.URL(*u)
		listenURL := internalURL
		if conf, ok := svc.InternalURLs[internalURL]; ok && conf.ListenURL.Host != "" {
			listenURL = conf.ListenURL
		}
		return listenURL, internalURL, nil
	}

	errors := []string{}
	for internalURL, conf := range svc.InternalURLs {
		listenURL := conf.ListenURL
		if listenURL.Host == "" {
			// If ListenURL is not specified, assume
			// InternalURL is also usable as the listening
			// proto/addr/port (i.e., simple case with no
			// intermediate proxy/routing)
			listenURL = internalURL
		}
		listenAddr := listenURL.Host
		if _, _, err := net.SplitHostPort(listenAddr); err != nil {
			// url "https://foo.example/" (with no
			// explicit port name/number) means listen on
			// the well-known port for the specified
			// protocol, "foo.example:https".
			port := listenURL.Scheme
			if port == "ws" || port == "wss" {
				port = "http" + port[2:]
			}
			listenAddr = net.JoinHostPort(listenAddr, port)
		}
		listener, err := net.Listen("tcp", listenAddr)
		if err == nil {
			listener.Close()
			return listenURL, internalURL, nil
		} else if strings.Contains(err.Error(), "cannot assign requested address") {
			// If 'Host' specifies a different server than
			// the current one, it'll resolve the hostname
			// to IP address, and then fail because it
			// can't bind an IP address it doesn't own.
			continue
		} else {
			errors = append(errors, fmt.Sprintf("%s: %s", listenURL, err))
		}
	}
	if len(errors) > 0 {
		return loom.URL{}, loom.URL{}, fmt.Errorf("could not enable the %q service on this host: %s", prog, strings.Join(errors, "; "))
	}
	return loom.URL{}, loom.URL{}, fmt.Errorf("configuration does not enable the %q service on this host", prog)
}

type contextKeyURL struct{}

// URLFromContext returns the service's own internal URL, as recorded
// in the context by Command.
func URLFromContext(ctx context.Context) (loom.URL, bool) {
	u, ok := ctx.Value(contextKeyURL{}).(loom.URL)
	return u, ok
}
