// Command duskmaild is the server entrypoint: it wires every core
// component per §6's configuration surface, runs the phased startup
// coordinator from the lifecycle package, serves SMTP on each configured
// listener plus an admin/metrics HTTP endpoint, and blocks until a
// shutdown signal arrives. Grounded on mjl--mox's main.go/serve.go
// command-line and listener-bring-up structure.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskmail/duskmail/authenticity/dkim"
	"github.com/duskmail/duskmail/config"
	"github.com/duskmail/duskmail/connlimit"
	"github.com/duskmail/duskmail/cryptotls"
	"github.com/duskmail/duskmail/dnsresolve"
	"github.com/duskmail/duskmail/externals"
	"github.com/duskmail/duskmail/lifecycle"
	"github.com/duskmail/duskmail/mailqueue"
	"github.com/duskmail/duskmail/mailstore"
	"github.com/duskmail/duskmail/metrics"
	"github.com/duskmail/duskmail/mlog"
	"github.com/duskmail/duskmail/retryworker"
	"github.com/duskmail/duskmail/smtpserver"
)

var log = mlog.New("duskmaild")

func main() {
	configPath := flag.String("config", "duskmail.conf", "path to the sconf configuration file")
	flag.Parse()

	if v := os.Getenv("CONFIG_PATH"); v != "" {
		*configPath = v
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "duskmaild:", err)
		os.Exit(1)
	}
}

// server holds the components assembled across lifecycle phases, since
// later phases depend on what earlier phases constructed.
type server struct {
	cfg      *config.Config
	tlsConf  *tls.Config
	queue    *mailqueue.Queue
	store    *mailstore.Store
	resolver *dnsresolve.Resolver
	ledger   *connlimit.Ledger
	limiter  *connlimit.RateLimiter
	dkimKey  *dkim.Key
	users    map[string]string
	usersMu  sync.RWMutex
	worker   *retryworker.Worker
	logFile  *mlog.RotatingFile

	listeners []net.Listener
	adminSrv  *http.Server
	state     atomic.Value // externals.ReadinessState

	coord *lifecycle.Coordinator
}

func run(configPath string) error {
	srv := &server{}
	srv.state.Store(externals.StateStarting)

	phases := []lifecycle.Phase{
		{Name: "Config", Start: srv.startConfig},
		{Name: "Logging", Start: srv.startLogging, Stop: srv.stopLogging},
		{Name: "TLS", Start: srv.startTLS},
		{Name: "DKIM", Start: srv.loadDKIMKey},
		{Name: "Storage", Start: srv.startStorage},
		{Name: "Services", Start: srv.startServices, Stop: srv.stopServices},
		{Name: "Servers", Start: srv.startServers, Stop: srv.stopServers},
	}

	srv.coord = lifecycle.New(log, phases, 0)
	if err := srv.coord.Start(); err != nil {
		return err
	}

	srv.state.Store(externals.StateReady)
	log.Info("duskmaild ready", mlog.Field("domain", srv.cfg.Domain))

	srv.coord.WaitForSignal()
	return nil
}

func (s *server) startConfig() error {
	cfg, err := config.Load(configPathFromEnvOrFlag())
	if err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func configPathFromEnvOrFlag() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return flag.Lookup("config").Value.String()
}

func (s *server) startLogging() error {
	level, err := mlog.ParseLevel(s.cfg.LogLevel)
	if err != nil {
		return err
	}
	mlog.SetConfig(map[string]mlog.Level{"": level})

	if s.cfg.LogFile == "" {
		return nil
	}
	rf, err := mlog.OpenRotatingFile(s.cfg.LogFile, 100*1024*1024, 5)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s.logFile = rf
	mlog.SetOutput(rf)
	return nil
}

func (s *server) stopLogging() {
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *server) startTLS() error {
	if s.cfg.TLSCert == "" || s.cfg.TLSKey == "" {
		return nil // no certificate configured; the implicit-TLS listener is skipped
	}
	if _, err := cryptotls.MinVersionFromConfig(s.cfg.MinTLSVersion); err != nil {
		return err
	}
	tlsConf, err := cryptotls.NewServerConfigFromFiles(s.cfg.TLSCert, s.cfg.TLSKey, s.cfg.MinTLSVersion)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	s.tlsConf = tlsConf
	return nil
}

// loadDKIMKey parses cfg.DKIMKeyFile, if set, into the signing key handed to
// smtpserver.Deps.DKIMKey, which signs each accepted message before it is
// queued. An unset key file leaves signing disabled.
func (s *server) loadDKIMKey() error {
	if s.cfg.DKIMKeyFile == "" {
		return nil
	}
	pemBytes, err := os.ReadFile(s.cfg.DKIMKeyFile)
	if err != nil {
		return fmt.Errorf("read dkim key file: %w", err)
	}
	priv, err := dkim.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return fmt.Errorf("parse dkim key file: %w", err)
	}
	s.dkimKey = &dkim.Key{
		Domain:   s.cfg.Domain,
		Selector: s.cfg.DKIMSelector,
		Headers:  []string{"from", "to", "subject", "date", "message-id"},
		Private:  priv,
	}
	return nil
}

func (s *server) startStorage() error {
	s.store = mailstore.New(s.cfg.MailRoot)
	q, err := mailqueue.Open(s.cfg.QueueRoot, mailqueue.Options{})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	s.queue = q
	return nil
}

func (s *server) startServices() error {
	s.resolver = dnsresolve.New(s.cfg.DNSResolver, 0, 0)
	s.ledger = connlimit.NewLedger(s.cfg.GlobalMaxConns, s.cfg.MaxConnsPerIP)
	s.limiter = connlimit.NewRateLimiter(s.cfg.MaxConnsPerIP, s.cfg.CommandsPerMinute, 5)

	if err := s.loadUsers(); err != nil {
		return fmt.Errorf("load users file: %w", err)
	}

	s.worker = retryworker.New(retryworker.Deps{
		Queue:      s.queue,
		Store:      s.store,
		Resolver:   s.resolver,
		Log:        mlog.New("retryworker"),
		HELODomain: s.cfg.Domain,
		HAEnabled:  s.cfg.HAEnabled,
		LockPath:   s.cfg.QueueRoot + "/leader.lock",
	})
	go s.worker.Run()
	return nil
}

func (s *server) stopServices() {
	if s.worker != nil {
		s.worker.Stop()
	}
}

func (s *server) loadUsers() error {
	data, err := os.ReadFile(s.cfg.UsersFile)
	if err != nil {
		if os.IsNotExist(err) {
			s.usersMu.Lock()
			s.users = map[string]string{}
			s.usersMu.Unlock()
			return nil
		}
		return err
	}
	users, err := externals.LoadUsersFile(data)
	if err != nil {
		return err
	}
	s.usersMu.Lock()
	s.users = users
	s.usersMu.Unlock()
	return nil
}

func (s *server) lookupUser(user string) (string, bool) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	h, ok := s.users[user]
	return h, ok
}

func (s *server) startServers() error {
	deps := smtpserver.Deps{
		Config: smtpserver.Config{
			Domain:          s.cfg.Domain,
			TLSRequired:     s.cfg.TLSRequired,
			RequireSTARTTLS: s.cfg.RequireSTARTTLS,
			MaxMessageSize:  s.cfg.MaxMessageSize,
			SMTPTimeout:     secDuration(s.cfg.SMTPTimeoutSec),
			DataTimeout:     secDuration(s.cfg.DataTimeoutSec),
			InitialTimeout:  secDuration(s.cfg.SMTPTimeoutSec),
			TLSConfig:       s.tlsConf,
		},
		Log:      mlog.New("smtpserver"),
		Queue:    s.queue,
		Store:    s.store,
		Ledger:   s.ledger,
		Limiter:  s.limiter,
		Resolver: s.resolver,
		Users:    s.lookupUser,
		DKIMKey:  s.dkimKey,
	}

	ports := []int{s.cfg.SMTPPort, s.cfg.SubmissionPort}
	for _, port := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen on %d: %w", port, err)
		}
		s.listeners = append(s.listeners, ln)
		go s.acceptLoop(ln, deps)
	}

	if s.tlsConf != nil {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.SMTPSPort)))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen on %d: %w", s.cfg.SMTPSPort, err)
		}
		s.listeners = append(s.listeners, ln)
		go s.acceptImplicitTLSLoop(ln, deps)
	}

	s.adminSrv = s.startAdminServer()
	return nil
}

func (s *server) stopServers() {
	s.state.Store(externals.StateStopping)
	s.closeListeners()
	if s.adminSrv != nil {
		s.adminSrv.Shutdown(context.Background())
	}
}

func (s *server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *server) acceptLoop(ln net.Listener, deps smtpserver.Deps) {
	for s.coord.Running() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.handleConn(conn, deps)
	}
}

// acceptImplicitTLSLoop is identical to acceptLoop except the TLS
// handshake happens immediately on accept rather than via STARTTLS.
func (s *server) acceptImplicitTLSLoop(ln net.Listener, deps smtpserver.Deps) {
	for s.coord.Running() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, deps.Config.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			metrics.TLSHandshakes.WithLabelValues("error").Inc()
			log.Errorx("implicit TLS handshake failed", err)
			conn.Close()
			continue
		}
		metrics.TLSHandshakes.WithLabelValues("ok").Inc()
		s.trackAndServe(tlsConn, smtpserver.NewTLS(tlsConn, deps))
	}
}

func (s *server) handleConn(conn net.Conn, deps smtpserver.Deps) {
	s.trackAndServe(conn, smtpserver.New(conn, deps))
}

func (s *server) trackAndServe(conn net.Conn, sess *smtpserver.Session) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !s.limiter.AllowConnection(host) {
		fmt.Fprintf(conn, "421 4.7.0 connection rate from your ip too high, slow down please\r\n")
		conn.Close()
		return
	}
	if !s.ledger.TryAcquire(host) {
		fmt.Fprintf(conn, "421 4.7.0 too many open connections from your ip\r\n")
		conn.Close()
		return
	}
	token := s.coord.TrackSession(func() { conn.Close() })
	go func() {
		defer s.coord.UntrackSession(token)
		sess.Serve() // Serve releases the ledger slot on exit
	}()
}

func (s *server) startAdminServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := s.state.Load().(externals.ReadinessState)
		fmt.Fprint(w, externals.HealthText(state, ""))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		state := s.state.Load().(externals.ReadinessState)
		w.WriteHeader(externals.ReadyStatusCode(state))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/reload-users", func(w http.ResponseWriter, r *http.Request) {
		if !externals.CheckAdminToken(r, s.cfg.AdminToken) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := s.loadUsers(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintln(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorx("admin http server exited", err)
		}
	}()
	return srv
}

func secDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
