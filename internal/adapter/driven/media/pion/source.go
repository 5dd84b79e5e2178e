package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const opusFrame = 20 * time.Millisecond

// A single Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type SourceOption func(*Source)

// WithoutMicrophone behaves like a machine with no audio input.
func WithoutMicrophone() SourceOption {
	return func(s *Source) { s.noMic = true }
}

// WithoutCamera behaves like a machine with no video input.
func WithoutCamera() SourceOption {
	return func(s *Source) { s.noCam = true }
}

// WithPermissionDenied refuses every acquisition.
func WithPermissionDenied() SourceOption {
	return func(s *Source) { s.denied = true }
}

// Source produces synthetic local tracks: Opus silence for audio and an
// idle VP8 track for video. Like real devices it can be held by one call
// at a time.
// implements port.MediaSource
type Source struct {
	noMic, noCam, denied bool

	mu   sync.Mutex
	busy bool
}

func NewSource(opts ...SourceOption) *Source {
	s := &Source{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Acquire(ctx context.Context, kind domain.CallKind) (port.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case s.denied:
		return nil, domain.ErrMediaAccessDenied
	case s.noMic:
		return nil, fmt.Errorf("microphone: %w", domain.ErrMediaNotFound)
	case kind == domain.CallVideo && s.noCam:
		return nil, fmt.Errorf("camera: %w", domain.ErrMediaNotFound)
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, domain.ErrMediaBusy
	}
	s.busy = true
	s.mu.Unlock()

	local, err := newLocalTracks(kind, s.release)
	if err != nil {
		s.release()
		return nil, err
	}
	return local, nil
}

func (s *Source) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// LocalTracks is the media handed out by Source.
type LocalTracks struct {
	kind   domain.CallKind
	tracks []*webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	release  func()
}

func newLocalTracks(kind domain.CallKind, release func()) (*LocalTracks, error) {
	stream := "yacall-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	l := &LocalTracks{
		kind:    kind,
		tracks:  []*webrtc.TrackLocalStaticSample{audio},
		audio:   audio,
		stop:    make(chan struct{}),
		release: release,
	}
	if kind == domain.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", stream)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		l.tracks = append(l.tracks, video)
	}

	l.wg.Add(1)
	go l.pumpSilence()
	return l, nil
}

func (l *LocalTracks) pumpSilence() {
	defer l.wg.Done()
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			// Unbound tracks drop samples; closed pipes end with Stop.
			_ = l.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}

func (l *LocalTracks) Kind() domain.CallKind { return l.kind }

// Tracks returns the tracks to add to a peer connection.
func (l *LocalTracks) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(l.tracks))
	for i, t := range l.tracks {
		out[i] = t
	}
	return out
}

// Stop ends the tracks and frees the devices. Safe to call twice.
func (l *LocalTracks) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
		l.release()
	})
	return nil
}
