package media

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Feed is one live capture leg: a pipeline process, the UDP socket it emits
// RTP on, and the local track the packets are pumped into. The enabled gate
// implements mute/camera-off without stopping the capture itself.
type Feed struct {
	Track *webrtc.TrackLocalStaticRTP

	tag     string
	conn    *net.UDPConn
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	enabled atomic.Bool
	closed  atomic.Bool

	// energy is a scaled running estimate of payload signal level, only
	// meaningful for audio feeds.
	energy atomic.Uint64

	done chan struct{}
}

func newFeed(ctx context.Context, capability webrtc.RTPCodecCapability, trackID, streamID, addr, pipeline, tag string, mtu int) (*Feed, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &AccessError{Device: tag, Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		slog.Error("failed to listen on capture socket", "addr", addr, "tag", tag, "err", err)
		return nil, &AccessError{Device: tag, Err: err}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, trackID, streamID)
	if err != nil {
		_ = conn.Close()
		return nil, &AccessError{Device: tag, Err: err}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	cmd, err := StartPipeline(feedCtx, pipeline, tag)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, &AccessError{Device: tag, Err: err}
	}

	f := &Feed{
		Track:  track,
		tag:    tag,
		conn:   conn,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.enabled.Store(true)

	go f.pump(feedCtx, mtu)
	go func() {
		_ = cmd.Wait()
		f.Stop()
	}()

	return f, nil
}

// pump forwards RTP packets from the capture socket to the local track,
// dropping them while the gate is disabled so the pipeline keeps flowing.
func (f *Feed) pump(ctx context.Context, mtu int) {
	defer close(f.done)

	buf := make([]byte, mtu)
	for {
		// keep the read unblocked with a short timeout
		_ = f.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					slog.Info("feed pump shutting down", "tag", f.tag)
					return
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("capture socket read error", "tag", f.tag, "err", err)
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// ignore non-RTP
			continue
		}

		f.observeEnergy(pkt.Payload)

		if !f.enabled.Load() {
			continue
		}
		if err := f.Track.WriteRTP(&pkt); err != nil {
			slog.Error("failed to write to track", "tag", f.tag, "err", err)
			return
		}
	}
}

// observeEnergy keeps an exponential moving estimate of payload byte
// deviation. Encoded audio levels track speech activity closely enough for
// a threshold test; this is advisory, not a decoder.
func (f *Feed) observeEnergy(payload []byte) {
	if len(payload) == 0 {
		return
	}
	var sum uint64
	for _, b := range payload {
		d := int(b) - 128
		if d < 0 {
			d = -d
		}
		sum += uint64(d)
	}
	sample := sum / uint64(len(payload))
	prev := f.energy.Load()
	f.energy.Store((prev*7 + sample) / 8)
}

// Energy reports the current signal-level estimate.
func (f *Feed) Energy() float64 {
	return float64(f.energy.Load())
}

// SetEnabled flips the transmission gate without stopping capture.
func (f *Feed) SetEnabled(enabled bool) {
	f.enabled.Store(enabled)
}

func (f *Feed) Enabled() bool {
	return f.enabled.Load()
}

// Alive reports whether the capture leg still has a running pump.
func (f *Feed) Alive() bool {
	if f == nil || f.closed.Load() {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Stop tears the feed down. Safe to call more than once and from the
// pipeline waiter.
func (f *Feed) Stop() {
	if f == nil || !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.cancel()
	_ = f.conn.Close()
	if f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	slog.Debug("feed stopped", "tag", f.tag)
}

// Done is closed when the feed's pump has exited, which covers both local
// teardown and the capture process ending on its own.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}
