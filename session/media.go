package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/syncutil"
	"github.com/ghettovoice/govoip/sip"
)

// MediaInfo is a read-only view of one media session.
type MediaInfo struct {
	LocalSDP  string
	RemoteSDP string
	LocalPort uint16
	Codec     string
	OnHold    bool
}

// MediaManager is the media subsystem consumed by the coordinator.
// The coordinator never touches RTP or codec internals, it only drives the
// lifecycle and relays SDP blobs.
type MediaManager interface {
	// CreateMediaSession allocates media resources for the session.
	CreateMediaSession(ctx context.Context, id SessionID) error
	// UpdateMediaSession applies a new remote description mid-call.
	UpdateMediaSession(ctx context.Context, id SessionID, remoteSDP string) error
	// TerminateMediaSession releases the media resources of the session.
	TerminateMediaSession(ctx context.Context, id SessionID) error
	// GenerateSDPOffer builds a local offer for the session.
	GenerateSDPOffer(ctx context.Context, id SessionID) (string, error)
	// ProcessSDPAnswer applies the remote answer to the session.
	ProcessSDPAnswer(ctx context.Context, id SessionID, answerSDP string) error
	// Hold pauses sending media for the session.
	Hold(ctx context.Context, id SessionID) error
	// Resume resumes sending media after a hold.
	Resume(ctx context.Context, id SessionID) error
	// MediaInfo returns the current media state of the session.
	MediaInfo(id SessionID) (MediaInfo, bool)
}

// localMediaSession is one loopback media session of [LocalMediaManager].
type localMediaSession struct {
	mu        sync.Mutex
	port      uint16
	localSDP  string
	remoteSDP string
	onHold    bool
}

// LocalMediaManager is a loopback [MediaManager]: it generates and parses
// real SDP but moves no packets. Used by tests and examples.
type LocalMediaManager struct {
	host string

	sessions *syncutil.ShardMap[SessionID, *localMediaSession]
	mu       sync.Mutex
	nextPort uint16
}

// NewLocalMediaManager creates a loopback media manager advertising the host
// in generated descriptions. The host defaults to 127.0.0.1.
func NewLocalMediaManager(host string) *LocalMediaManager {
	if host == "" {
		host = "127.0.0.1"
	}
	return &LocalMediaManager{
		host:     host,
		sessions: syncutil.NewShardMap[SessionID, *localMediaSession](),
		nextPort: 10000,
	}
}

func (m *LocalMediaManager) allocPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.nextPort
	m.nextPort += 2
	if m.nextPort >= 20000 {
		m.nextPort = 10000
	}
	return port
}

func (m *LocalMediaManager) session(id SessionID) (*localMediaSession, error) {
	ms, ok := m.sessions.Get(id)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoMediaSession, "id %s", id))
	}
	return ms, nil
}

func (m *LocalMediaManager) CreateMediaSession(_ context.Context, id SessionID) error {
	if _, ok := m.sessions.Get(id); ok {
		return nil
	}
	m.sessions.Set(id, &localMediaSession{port: m.allocPort()})
	return nil
}

func (m *LocalMediaManager) UpdateMediaSession(_ context.Context, id SessionID, remoteSDP string) error {
	ms, err := m.session(id)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err = validateSDP(remoteSDP); err != nil {
		return errtrace.Wrap(err)
	}
	ms.mu.Lock()
	ms.remoteSDP = remoteSDP
	ms.mu.Unlock()
	return nil
}

func (m *LocalMediaManager) TerminateMediaSession(_ context.Context, id SessionID) error {
	m.sessions.Del(id)
	return nil
}

// GenerateSDPOffer builds an audio offer with the PCMU and PCMA payloads.
func (m *LocalMediaManager) GenerateSDPOffer(_ context.Context, id SessionID) (string, error) {
	ms, err := m.session(id)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := uint64(time.Now().Unix()) //nolint:gosec
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.host,
		},
		SessionName: "govoip",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: int(ms.port)},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0", "8"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
				sdp.NewAttribute("rtpmap", "8 PCMA/8000"),
				sdp.NewPropertyAttribute("sendrecv"),
			},
		}},
	}
	data, err := offer.Marshal()
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	ms.localSDP = string(data)
	return ms.localSDP, nil
}

func (m *LocalMediaManager) ProcessSDPAnswer(_ context.Context, id SessionID, answerSDP string) error {
	ms, err := m.session(id)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err = validateSDP(answerSDP); err != nil {
		return errtrace.Wrap(err)
	}
	ms.mu.Lock()
	ms.remoteSDP = answerSDP
	ms.mu.Unlock()
	return nil
}

func (m *LocalMediaManager) Hold(_ context.Context, id SessionID) error {
	ms, err := m.session(id)
	if err != nil {
		return errtrace.Wrap(err)
	}
	ms.mu.Lock()
	ms.onHold = true
	ms.mu.Unlock()
	return nil
}

func (m *LocalMediaManager) Resume(_ context.Context, id SessionID) error {
	ms, err := m.session(id)
	if err != nil {
		return errtrace.Wrap(err)
	}
	ms.mu.Lock()
	ms.onHold = false
	ms.mu.Unlock()
	return nil
}

func (m *LocalMediaManager) MediaInfo(id SessionID) (MediaInfo, bool) {
	ms, ok := m.sessions.Get(id)
	if !ok {
		return MediaInfo{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return MediaInfo{
		LocalSDP:  ms.localSDP,
		RemoteSDP: ms.remoteSDP,
		LocalPort: ms.port,
		Codec:     "PCMU",
		OnHold:    ms.onHold,
	}, true
}

// validateSDP parses the description and requires at least one media line.
func validateSDP(raw string) error {
	if raw == "" {
		return errtrace.Wrap(sip.NewInvalidArgumentError("empty sdp"))
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("malformed sdp: %v", err))
	}
	if len(desc.MediaDescriptions) == 0 {
		return errtrace.Wrap(sip.NewInvalidArgumentError("sdp without media: " +
			strconv.Quote(firstLine(raw))))
	}
	return nil
}

func firstLine(s string) string {
	for i := range len(s) {
		if s[i] == '\r' || s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
