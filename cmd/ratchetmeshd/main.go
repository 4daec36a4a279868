// Command ratchetmeshd is the demo daemon for a two-party ratcheted
// chat room: it loads a room config, exchanges pre-key bundles with a
// single configured peer over plain HTTP, brings up the encrypted
// session over a websocket, and relays stdin lines as chat messages.
// Its shape follows brseeder/main.go: shutdownListener, loadConfig,
// rotated log file, an http.Server carrying both the control-plane
// endpoints and the metrics endpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/companyzero/ratchetmesh/config"
	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/filexfer"
	"github.com/companyzero/ratchetmesh/fingerprint"
	"github.com/companyzero/ratchetmesh/internal/logutil"
	"github.com/companyzero/ratchetmesh/lockfile"
	"github.com/companyzero/ratchetmesh/metrics"
	"github.com/companyzero/ratchetmesh/ratelimit"
	"github.com/companyzero/ratchetmesh/session"
	"github.com/companyzero/ratchetmesh/transport"
)

const appName = "ratchetmeshd"

var versionString = appName + " 0.1.0"

const remotePeerID = session.PeerID("peer")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	rf, err := loadRuntimeFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, errCmdDone) {
			return nil
		}
		return fmt.Errorf("load flags: %w", err)
	}

	cfg, err := config.LoadFile(rf.CfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", rf.CfgPath, err)
	}

	logger, closeLog, err := initLog(config.DefaultHomeDir(), rf.LogLevel)
	if err != nil {
		return fmt.Errorf("init log: %w", err)
	}
	defer closeLog()

	ctx, cancel := shutdownListener()
	defer cancel()

	lf, err := lockfile.Create(ctx, config.DefaultHomeDir(), cfg.RoomID)
	if err != nil {
		return fmt.Errorf("another ratchetmeshd already running against room %q: %w", cfg.RoomID, err)
	}
	defer lf.Close()

	identityFP := fingerprint.Of(cfg.Signing.Public)
	logger.Infof("local identity fingerprint: %s", identityFP.ShortLogID())

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)
	limiter := ratelimit.New()

	collab := session.Collaborators{
		SetTransport: func(mode session.TransportMode) {
			logger.Warnf("collaborator requested transport switch to %v (overlay fallback unimplemented)", mode)
		},
		Reconnect: func() {
			logger.Warnf("collaborator requested reconnect (not automated by this CLI)")
		},
	}

	notify := session.NewNotificationManager()
	notify.Register(session.OnConnectionStatusNtfn(func(status session.ConnectionStatus) {
		logger.Infof("connection status: %v", status)
	}))
	notify.Register(session.OnBackendErrorNtfn(func(peer session.PeerID, msg string) {
		logutil.PeerLogger(logger, string(peer), fingerprint.ID{}).Warnf("%s", msg)
	}))
	notify.Register(session.OnPeerDeliveryNtfn(func(messageID string, peer session.PeerID, success bool) {
		logger.Debugf("delivery %s -> %s: %v", messageID, peer, success)
	}))
	notify.Register(session.OnMessageNtfn(func(peer session.PeerID, content []byte) {
		fmt.Printf("<%s> %s\n", peer, content)
	}))

	ctrl := session.New(notify, collab)
	ctrl.SetMetrics(metricsRegistry)
	if err := ctrl.Initialize(cfg.RoomID, cfg.RoomSecret); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	defer ctrl.Cleanup()

	isInitiator := rf.Dial
	localRatchet, err := ctrl.NewPeerRatchet(isInitiator)
	if err != nil {
		return fmt.Errorf("mint local ratchet: %w", err)
	}
	localBundle := localRatchet.LocalBundle()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/bundle", serveBundle(localBundle, cfg.Signing))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}
		if rf.Peer == "" {
			logger.Warnf("inbound websocket connection with no -peer configured to exchange a bundle against; closing")
			conn.Close()
			return
		}
		peerBundle, err := fetchBundle(ctx, rf.Peer)
		if err != nil {
			logger.Errorf("fetch peer bundle: %v", err)
			conn.Close()
			return
		}
		peerFP := fingerprint.Of(peerBundle.SigningPublic)
		plog := logutil.PeerLogger(logger, string(remotePeerID), peerFP)
		plog.Infof("bundle fetched, adding peer")
		if err := ctrl.AddPeer(remotePeerID, conn, localRatchet, peerBundle); err != nil {
			plog.Errorf("add peer: %v", err)
			conn.Close()
		}
	})

	srv := &http.Server{Addr: rf.Listen, Handler: mux}
	go func() {
		logger.Infof("listening on %s", rf.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	}()
	defer srv.Close()

	if rf.Dial {
		if rf.Peer == "" {
			return fmt.Errorf("-dial requires -peer")
		}
		peerBundle, err := fetchBundle(ctx, rf.Peer)
		if err != nil {
			return fmt.Errorf("fetch peer bundle: %w", err)
		}
		peerFP := fingerprint.Of(peerBundle.SigningPublic)
		plog := logutil.PeerLogger(logger, string(remotePeerID), peerFP)
		plog.Infof("bundle fetched, dialing")
		conn, err := transport.Dial(ctx, wsURLFromBase(rf.Peer))
		if err != nil {
			return fmt.Errorf("dial %s: %w", rf.Peer, err)
		}
		if err := ctrl.AddPeer(remotePeerID, conn, localRatchet, peerBundle); err != nil {
			return fmt.Errorf("add peer: %w", err)
		}
	}

	go stdinLoop(ctx, ctrl, limiter, logger)

	<-ctx.Done()
	return nil
}

// stdinLoop relays typed lines as chat messages. A line of the form
// "/sendfile <path>" starts a chunked file transfer to remotePeerID
// instead, exercising filexfer's bounded concurrent upload.
func stdinLoop(ctx context.Context, ctrl *session.Controller, limiter *ratelimit.Limiter, logger slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if path, ok := strings.CutPrefix(line, "/sendfile "); ok {
			if err := sendFile(ctx, ctrl, strings.TrimSpace(path)); err != nil {
				logger.Errorf("sendfile: %v", err)
			}
			continue
		}

		if !limiter.AllowMessage(string(remotePeerID)) {
			logger.Warnf("message rate limit exceeded, dropping: %q", line)
			continue
		}
		if _, err := ctrl.Send([]byte(line)); err != nil {
			logger.Errorf("send: %v", err)
		}
	}
}

func sendFile(ctx context.Context, ctrl *session.Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	send := func(content []byte) error {
		return ctrl.SendTyped(remotePeerID, content, envelope.FileType)
	}

	transfer, err := filexfer.NewUpload(info.Name(), info.Name(), f, send, nil)
	if err != nil {
		return err
	}
	_, err = transfer.Upload(ctx)
	return err
}
