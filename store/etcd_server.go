package store

import (
	"fmt"
	"net/url"
	"time"

	etcdembed "go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
)

// EmbeddedEtcd runs a single-node etcd server inside the worker process. It
// lets one worker run without external infrastructure during development;
// workers of a fleet must share one etcd cluster instead.
type EmbeddedEtcd struct {
	name         string
	dir          string
	clientURL    string
	peerURL      string
	startTimeout time.Duration
	done         chan struct{}
	stop         chan struct{}
	logger       *zap.Logger
	etcd         *etcdembed.Etcd
}

func NewEmbeddedEtcd(name, dir, clientURL, peerURL string, logger *zap.Logger) *EmbeddedEtcd {
	return &EmbeddedEtcd{
		name:         name,
		dir:          dir,
		clientURL:    clientURL,
		peerURL:      peerURL,
		startTimeout: 60 * time.Second,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		logger:       logger.Named("embedded-etcd"),
	}
}

// Start blocks until the server is ready to serve clients.
func (s *EmbeddedEtcd) Start() error {
	clientURL, err := url.Parse(s.clientURL)
	if err != nil {
		return fmt.Errorf("invalid client url: %w", err)
	}
	peerURL, err := url.Parse(s.peerURL)
	if err != nil {
		return fmt.Errorf("invalid peer url: %w", err)
	}

	cfg := etcdembed.NewConfig()
	cfg.Name = s.name
	cfg.Dir = s.dir
	cfg.Logger = "zap"
	cfg.LogOutputs = []string{"stderr"}
	cfg.LogLevel = "error"
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", s.name, s.peerURL)

	e, err := etcdembed.StartEtcd(cfg)
	if err != nil {
		return fmt.Errorf("failed to start embedded etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		s.logger.Info("embedded etcd server is ready", zap.String("client-url", s.clientURL))
	case <-time.After(s.startTimeout):
		e.Close()
		return fmt.Errorf("embedded etcd took longer than %s to start", s.startTimeout)
	}
	s.etcd = e

	go func() {
		defer close(s.done)
		<-s.stop
		e.Server.Stop()
		select {
		case <-e.Server.StopNotify():
			s.logger.Info("embedded etcd server stopped")
		case <-time.After(s.startTimeout):
			s.logger.Warn("embedded etcd server took too long to stop")
		}
		e.Close()
	}()
	return nil
}

func (s *EmbeddedEtcd) ClientURL() string {
	return s.clientURL
}

func (s *EmbeddedEtcd) Stop() {
	if s.etcd == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *EmbeddedEtcd) Done() <-chan struct{} {
	return s.done
}
