// Package app wires the pieces together for the two run modes: a call node
// (signaling client + call manager + local HTTP API) and the signaling hub
// (WebSocket router + session REST API + SQLite).
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/clinicport/callcore/internal/api"
	"github.com/clinicport/callcore/internal/call"
	"github.com/clinicport/callcore/internal/config"
	"github.com/clinicport/callcore/internal/sessions"
	"github.com/clinicport/callcore/internal/signal"
	"github.com/clinicport/callcore/internal/store"
	"github.com/clinicport/callcore/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunNode starts a call node and blocks until ctx is cancelled.
func RunNode(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	media := newNodeMedia(cfg)

	sig, err := dialWithRetry(ctx, cfg.Signal.URL, cfg.Identity.UserID)
	if err != nil {
		return err
	}
	defer sig.Close()
	log.Printf("APP [%s]: signaling connected to %s", cfg.Identity.UserID, cfg.Signal.URL)

	sessAPI := sessions.New(cfg.SessionsBaseURL())
	mgr := call.NewManager(sig, sessAPI, media, cfg.Identity.UserID, cfg.ICE.Servers)
	defer mgr.Close()

	mux := http.NewServeMux()
	api.Register(mux, mgr)

	srv := &http.Server{
		Addr:              cfg.API.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("APP [%s]: call API listening on http://%s", cfg.Identity.UserID, cfg.API.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("call api server: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	return nil
}

// newNodeMedia builds the node's media owner and opens the devices up front,
// so permission problems and the local preview are there before the first
// call. Failure is not fatal; the first place/accept retries the capture.
func newNodeMedia(cfg config.Config) *call.Media {
	media := call.NewMedia(call.MediaConfig{
		Disabled:     cfg.Media.Disabled,
		VideoBitRate: cfg.Media.VideoBitRate,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
	})
	if err := media.Acquire(); err != nil {
		log.Printf("APP: local media not ready: %v", err)
	}
	return media
}

// RunServer starts the signaling hub and blocks until ctx is cancelled.
func RunServer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := store.Open(opt.Dir, cfg.Signal.DBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer db.Close()

	bind := cfg.Signal.ServerBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(cfg.Signal.ServerPort))

	srv := signal.NewServer(addr, db)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// dialWithRetry keeps trying the signaling hub so a node started before the
// hub (or across a hub restart) comes up cleanly instead of exiting.
func dialWithRetry(ctx context.Context, wsURL, userID string) (*signal.Client, error) {
	delay := time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		sig, err := signal.Dial(dialCtx, wsURL, userID)
		cancel()
		if err == nil {
			return sig, nil
		}
		log.Printf("APP [%s]: signaling dial failed (retrying in %s): %v", userID, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}
