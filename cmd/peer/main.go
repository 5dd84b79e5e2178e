// Command peer is a headless softphone. It registers with a relay, answers
// or rejects incoming calls and can place one call on start.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/signaling/wsclient"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/call"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadPeer(args)
	if err != nil {
		return err
	}
	l, err := config.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = l

	kind, err := domain.ParseCallKind(cfg.Kind)
	if err != nil {
		return err
	}

	factory, err := pion.NewFactory(pion.WithICEServers(cfg.ICEServers))
	if err != nil {
		return err
	}
	var srcOpts []pion.SourceOption
	if cfg.NoMicrophone {
		srcOpts = append(srcOpts, pion.WithoutMicrophone())
	}
	if cfg.NoCamera {
		srcOpts = append(srcOpts, pion.WithoutCamera())
	}

	relay := wsclient.New(cfg.RelayURL, wsclient.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax))
	self := domain.Participant{
		ID:   domain.UserID(cfg.UserID),
		Meta: domain.DisplayMeta{Name: cfg.DisplayName, Email: cfg.Email},
	}
	phone := call.NewPhone(self,
		call.Deps{Signal: relay, Media: pion.NewSource(srcOpts...), Peers: factory},
		call.WithConfig(call.Config{
			GracePeriod:        cfg.GracePeriod,
			ICERestartAttempts: cfg.ICERestartAttempts,
			AckTimeout:         call.DefaultAckTimeout,
		}),
		call.WithObserver(observer(l)),
		call.WithLogger(l),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registered := make(chan struct{}, 1)
	relay.OnConnect(func(ctx context.Context) {
		if err := phone.Register(ctx); err != nil {
			l.Error().Err(err).Msg("Failed to register presence")
			return
		}
		select {
		case registered <- struct{}{}:
		default:
		}
	})
	// The relay keeps no call state across connections.
	relay.OnDisconnect(func(err error) {
		l.Warn().Err(err).Msg("Lost relay connection")
		phone.AbortAll(domain.ReasonRelayLost)
	})
	relay.On(domain.EventPresenceSnapshot, func(env domain.Envelope) {
		var snap domain.PresenceSnapshot
		if err := env.Decode(&snap); err != nil {
			return
		}
		users := make([]string, 0, len(snap.Entries))
		for _, p := range snap.Entries {
			users = append(users, p.ID.String())
		}
		l.Info().Strs("online", users).Msg("Presence changed")
	})

	phone.OnIncoming(func(in *call.Incoming) {
		go answer(ctx, in, cfg.AutoAnswer, l)
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(runCtx) }()

	if cfg.Call != "" {
		to := domain.Participant{ID: domain.UserID(cfg.Call)}
		go place(ctx, phone, registered, to, kind, cfg.CallDuration, l)
	}

	<-ctx.Done()
	l.Info().Msg("Shutting down peer...")
	phone.Close()
	cancelRun()
	<-relayDone
	l.Info().Msg("Peer exited")
	return nil
}

func observer(l zerolog.Logger) call.Observer {
	return call.Observer{
		OnStage: func(c *call.Controller, stage call.Stage, reason string) {
			ev := l.Info().
				Str("call_id", c.ID().String()).
				Str("with", c.Counterpart().Meta.Label()).
				Str("stage", string(stage))
			if reason != "" {
				ev = ev.Str("reason", reason)
			}
			if stage == call.StageEnded && !c.ConnectedAt().IsZero() {
				ev = ev.Dur("talk_time", time.Since(c.ConnectedAt()))
			}
			ev.Msg("Call stage")
		},
		OnRemoteTrack: func(c *call.Controller, t domain.RemoteTrack) {
			l.Info().
				Str("call_id", c.ID().String()).
				Str("kind", t.Kind).
				Str("track", t.ID).
				Msg("Receiving media")
		},
	}
}

func answer(ctx context.Context, in *call.Incoming, auto bool, l zerolog.Logger) {
	cl := l.With().
		Str("call_id", in.Call.CallID.String()).
		Str("from", in.Call.Caller.Meta.Label()).
		Str("kind", string(in.Call.Kind)).
		Logger()

	if !auto {
		cl.Info().Msg("Declining incoming call")
		if err := in.Reject(ctx, domain.ReasonDeclined); err != nil {
			cl.Warn().Err(err).Msg("Failed to decline")
		}
		return
	}

	if _, err := in.Accept(ctx); err != nil {
		cl.Warn().Err(err).Msg("Cannot accept, rejecting as busy")
		if err := in.Reject(ctx, domain.ReasonBusy); err != nil {
			cl.Warn().Err(err).Msg("Failed to reject")
		}
		return
	}
	cl.Info().Msg("Accepted incoming call")
}

func place(ctx context.Context, phone *call.Phone, registered <-chan struct{}, to domain.Participant, kind domain.CallKind, duration time.Duration, l zerolog.Logger) {
	select {
	case <-registered:
	case <-ctx.Done():
		return
	}

	c, err := phone.Dial(ctx, to, kind)
	if err != nil {
		l.Error().Err(err).Str("to", to.ID.String()).Msg("Call failed")
		return
	}

	var hangup <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		hangup = t.C
	}
	select {
	case <-c.Done():
	case <-hangup:
		c.Hangup()
	case <-ctx.Done():
	}
}
