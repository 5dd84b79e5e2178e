package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Keyframe requests are repeated so a decoder that joined late recovers.
const pliInterval = 3 * time.Second

var errForeignMedia = errors.New("local media was not produced by this package")

type factoryOptions struct {
	iceServers []string
	loopback   bool
}

type FactoryOption func(*factoryOptions)

func WithICEServers(urls []string) FactoryOption {
	return func(o *factoryOptions) { o.iceServers = urls }
}

// WithLoopback gathers loopback candidates, for peers on one machine.
func WithLoopback() FactoryOption {
	return func(o *factoryOptions) { o.loopback = true }
}

// Factory builds peer connections sharing one configured webrtc API.
// implements port.PeerFactory
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(opts ...FactoryOption) (*Factory, error) {
	var o factoryOptions
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if o.loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	cfg := webrtc.Configuration{}
	if len(o.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.iceServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: cfg,
	}, nil
}

func (f *Factory) NewPeer(_ context.Context, kind domain.CallKind) (port.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Peer{
		pc:   pc,
		kind: kind,
		done: make(chan struct{}),
	}, nil
}

// Peer adapts a pion PeerConnection to port.PeerConnection.
type Peer struct {
	pc   *webrtc.PeerConnection
	kind domain.CallKind

	closeOnce sync.Once
	done      chan struct{}
}

func (p *Peer) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *Peer) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *Peer) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(d))
}

func (p *Peer) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(d))
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *Peer) AddMedia(m port.LocalMedia) error {
	local, ok := m.(*LocalTracks)
	if !ok {
		return errForeignMedia
	}
	for _, track := range local.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		// Interceptors only see RTCP that is read.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *Peer) OnLocalCandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *Peer) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l := log.With().Str("track", track.ID()).Str("kind", track.Kind().String()).Logger()
		l.Debug().Msg("Received remote track")

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.requestKeyframes(uint32(track.SSRC()))
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					if !errors.Is(err, io.EOF) {
						l.Debug().Err(err).Msg("Remote track read stopped")
					}
					return
				}
			}
		}()

		fn(domain.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()})
	})
}

// requestKeyframes sends a PLI now and then every pliInterval until the
// peer is closed.
func (p *Peer) requestKeyframes(ssrc uint32) {
	send := func() {
		// Fails harmlessly once the connection is closing.
		_ = p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}
	send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (p *Peer) OnConnectivityChange(fn func(domain.Connectivity)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(domain.Connectivity(s.String()))
	})
}

func (p *Peer) Connectivity() domain.Connectivity {
	return domain.Connectivity(p.pc.ICEConnectionState().String())
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}
