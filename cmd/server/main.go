package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"authsession-service/internal/config"
	"authsession-service/internal/factory"
	"authsession-service/internal/handler"
	"authsession-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

// listener is one server plus the call that starts it.
type listener struct {
	name   string
	server *http.Server
	serve  func() error
}

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	cfg := f.Config()
	listeners, err := buildListeners(f, newRouter(f))
	if err != nil {
		f.Close()
		util.Fatal("Invalid server configuration", util.ErrorField(err))
	}

	f.StartJanitor()
	err = run(listeners)
	f.Close()
	if err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		util.Sync()
		os.Exit(1)
	}
	util.Info("Auth session service stopped", util.String("environment", cfg.Environment))
	util.Sync()
}

func newRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	authHandler := handler.NewAuthHandler(f.ServiceFactory().AuthService(), util.Get())
	return handler.NewRouter(authHandler, handler.RouterOptions{
		RequireTLS:  cfg.Server.EnableTLS,
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminAPIKey: cfg.Server.AdminAPIKey,
		Registry:    f.Registry(),
		Metrics:     f.Metrics(),
		Health:      f,
	}, util.Get())
}

// buildListeners picks the serving mode: plain HTTP, HTTPS on the TLS port,
// or in production with autocert the ACME challenge server on :80 next to
// HTTPS on :443.
func buildListeners(f *factory.Factory, router http.Handler) ([]listener, error) {
	cfg := f.Config()
	api := func(addr string) *http.Server {
		return &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled, serving plain HTTP", util.Int("port", cfg.Server.Port))
		srv := api(cfg.GetServerAddress())
		return []listener{{name: "http", server: srv, serve: srv.ListenAndServe}}, nil
	}

	tlsManager := f.TLSManager()
	if cfg.IsProduction() && cfg.Server.AutoCert {
		acme := tlsManager.GetAutocertManager()
		if acme == nil {
			return nil, errors.New("autocert manager is not available")
		}
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           acme.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv := api(":443")
		srv.TLSConfig = tlsManager.GetTLSConfig()
		return []listener{
			{name: "acme", server: challenge, serve: challenge.ListenAndServe},
			{name: "https", server: srv, serve: func() error { return srv.ListenAndServeTLS("", "") }},
		}, nil
	}

	srv := api(fmt.Sprintf(":%d", cfg.Server.TLSPort))
	srv.TLSConfig = tlsManager.GetTLSConfig()
	certFile, keyFile := tlsFiles(cfg)
	return []listener{{name: "https", server: srv, serve: func() error {
		return srv.ListenAndServeTLS(certFile, keyFile)
	}}}, nil
}

// tlsFiles returns explicit certificate paths when both are configured;
// otherwise the TLS config supplies certificates.
func tlsFiles(cfg *config.Config) (string, string) {
	if cfg.Server.AutoCert || cfg.Server.CertFile == "" || cfg.Server.KeyFile == "" {
		return "", ""
	}
	return cfg.Server.CertFile, cfg.Server.KeyFile
}

// run serves every listener until a signal arrives or one of them fails,
// then shuts all of them down.
func run(listeners []listener) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			util.Info("Listening", util.String("listener", l.name), util.String("address", l.server.Addr))
			if err := l.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		util.Info("Shutting down listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, l := range listeners {
			if err := l.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", l.name, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
