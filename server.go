package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// withServerHeader adds "Server: trash-change-map/<version>" to every
// response and answers HEAD / with 200 so uptime probes stay cheap.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "trash-change-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs :80 for ACME HTTP-01 challenges plus a redirect,
// and :443 with Let's Encrypt certificates. When autocert cannot issue a
// certificate for a host (IP access, odd SNI) the last good certificate
// for the domain is served instead. Errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Keeps the last good certificate for the domain, retrying every minute
	// until one is issued and rechecking daily after that.
	fallback := newCertSlot(context.Background())
	go func() {
		var wait time.Duration
		for {
			time.Sleep(wait)
			c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
			if err != nil {
				log.Printf("autocert check: %v", err)
				wait = time.Minute
				continue
			}
			fallback.Store(c)
			wait = 24 * time.Hour
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if def := fallback.Load(); def != nil {
			return def, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// certSlot holds one certificate inside its own goroutine. Store and Load
// talk to it over channels, so any number of handshakes can read at once.
type certSlot struct {
	set  chan *tls.Certificate
	get  chan chan *tls.Certificate
	done <-chan struct{}
}

func newCertSlot(ctx context.Context) *certSlot {
	s := &certSlot{
		set:  make(chan *tls.Certificate),
		get:  make(chan chan *tls.Certificate),
		done: ctx.Done(),
	}
	go s.loop()
	return s
}

func (s *certSlot) loop() {
	var cur *tls.Certificate
	for {
		select {
		case c := <-s.set:
			cur = c
		case reply := <-s.get:
			reply <- cur
		case <-s.done:
			return
		}
	}
}

// Store replaces the held certificate.
func (s *certSlot) Store(c *tls.Certificate) {
	select {
	case s.set <- c:
	case <-s.done:
	}
}

// Load returns the held certificate, nil before the first Store or once
// the slot is stopped.
func (s *certSlot) Load() *tls.Certificate {
	reply := make(chan *tls.Certificate, 1)
	select {
	case s.get <- reply:
		return <-reply
	case <-s.done:
		return nil
	}
}
