package collector

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	framestream "github.com/farsightsec/golang-framestream"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/perdisci/fluxbuster/logging"
	"github.com/perdisci/fluxbuster/metrics"
	"github.com/perdisci/fluxbuster/model"
)

// DnsTapListener listens on a Unix socket for dnstap frames and forwards
// successful A responses as observations.
type DnsTapListener struct {
	SocketPath string
	ObsChan    chan<- model.Observation
	Dropped    atomic.Uint64
	listener   net.Listener
	wg         sync.WaitGroup
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewDnsTapListener creates a new listener.
func NewDnsTapListener(socketPath string, obsChan chan<- model.Observation, logger *zap.Logger, m *metrics.Collector) *DnsTapListener {
	if m == nil {
		m = metrics.New()
	}
	return &DnsTapListener{
		SocketPath: socketPath,
		ObsChan:    obsChan,
		logger:     logging.OrNop(logger),
		metrics:    m,
	}
}

// Start begins listening on the socket.
func (l *DnsTapListener) Start() error {
	// Clean up old socket if exists
	_ = os.Remove(l.SocketPath)

	var err error
	l.listener, err = net.Listen("unix", l.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", l.SocketPath, err)
	}

	if err := os.Chmod(l.SocketPath, 0660); err != nil {
		_ = l.listener.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { _ = l.listener.Close() }()

		for {
			conn, err := l.listener.Accept()
			if err != nil {
				// Stop() closes the listener, which ends Accept
				if errors.Is(err, net.ErrClosed) {
					return
				}
				l.logger.Warn("dnstap accept failed", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}

			l.wg.Add(1)
			go l.handleConn(conn)
		}
	}()

	return nil
}

// Stop closes the listener and waits for all handlers to finish.
func (l *DnsTapListener) Stop() {
	if l.listener != nil {
		_ = l.listener.Close()
	}
	l.wg.Wait()
}

func (l *DnsTapListener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	decoder, err := framestream.NewDecoder(conn, &framestream.DecoderOptions{
		ContentType:   []byte("protobuf:dnstap.Dnstap"),
		Bidirectional: true,
	})
	if err != nil {
		l.logger.Warn("framestream handshake failed", zap.Error(err))
		return
	}

	for {
		buf, err := decoder.Decode()
		if err != nil {
			if err != io.EOF {
				l.logger.Debug("dnstap decode error", zap.Error(err))
			}
			return
		}
		l.metrics.DnstapFrames.Inc()

		var dt dnstap.Dnstap
		if err := proto.Unmarshal(buf, &dt); err != nil {
			continue
		}
		obs, ok := ObservationFromDnstap(&dt)
		if !ok {
			continue
		}

		// Non-blocking send (drop on overflow)
		select {
		case l.ObsChan <- obs:
		default:
			l.Dropped.Add(1)
			l.metrics.DnstapDropped.Inc()
		}
	}
}

// ObservationFromDnstap extracts the A rrset of a successful response.
// Queries, failed responses and responses without A answers are skipped.
func ObservationFromDnstap(dt *dnstap.Dnstap) (model.Observation, bool) {
	var obs model.Observation
	msg := dt.GetMessage()
	if msg == nil {
		return obs, false
	}
	switch msg.GetType() {
	case dnstap.Message_CLIENT_RESPONSE, dnstap.Message_RESOLVER_RESPONSE, dnstap.Message_FORWARDER_RESPONSE:
	default:
		return obs, false
	}
	packet := msg.GetResponseMessage()
	if len(packet) == 0 {
		return obs, false
	}

	h, err := PeekResponse(packet)
	if err != nil || h.RCode != dns.RcodeSuccess || h.QType != dns.TypeA || h.ANCount == 0 {
		return obs, false
	}

	var m dns.Msg
	if err := m.Unpack(packet); err != nil || len(m.Question) == 0 {
		return obs, false
	}
	obs, ok := observationFromMsg(&m)
	if !ok {
		return obs, false
	}

	if msg.ResponseTimeSec != nil {
		obs.Time = time.Unix(int64(msg.GetResponseTimeSec()), int64(msg.GetResponseTimeNsec())).UTC()
	} else {
		obs.Time = time.Now().UTC()
	}
	return obs, true
}

func observationFromMsg(m *dns.Msg) (model.Observation, bool) {
	obs := model.Observation{
		QName:   model.NormalizeDomainName(m.Question[0].Name),
		Queries: 1,
	}
	first := true
	for _, rr := range m.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.A)
		if !ok {
			continue
		}
		obs.IPs = append(obs.IPs, ip.Unmap())
		if first || a.Hdr.Ttl < obs.TTL {
			obs.TTL = a.Hdr.Ttl
			first = false
		}
	}
	return obs, len(obs.IPs) > 0
}
