// Package audio is C5.1, the audio mixer: a UDP endpoint that decodes Opus
// from N senders, mixes them on a fixed 40 ms tick, and re-encodes a single
// broadcast stream, per spec.md §4.5.1.
package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"net"
	"runtime"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	headerLen      = 16
	sampleRate     = 48000
	channels       = 1
	frameSamples   = 1920 // 40ms at 48kHz mono
	maxEncodeBytes = 4000
)

// Config holds C5.1's tunables.
type Config struct {
	LateMs       int
	EvictTimeout time.Duration
	EvictSweep   time.Duration
	Tick         time.Duration
}

func (c Config) withDefaults() Config {
	if c.LateMs <= 0 {
		c.LateMs = 250
	}
	if c.EvictTimeout <= 0 {
		c.EvictTimeout = 10 * time.Second
	}
	if c.EvictSweep <= 0 {
		c.EvictSweep = 5 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 40 * time.Millisecond
	}
	return c
}

type client struct {
	uid    uint32
	addr   *net.UDPAddr
	volume float64
	muted  bool

	hasSeq    bool
	lastSeq   uint32
	lastTsMs  uint64
	lastSeen  time.Time
	decoder   *opus.Decoder
	received  uint64
	dropped   uint64
}

// Mixer owns the audio UDP socket, the per-uid client table, and the
// dedicated real-time mix thread.
type Mixer struct {
	cfg  Config
	conn *net.UDPConn

	clientsMu sync.Mutex
	clients   map[uint32]*client

	pendingMu sync.Mutex
	pending   [][frameSamples]float32

	encoder *opus.Encoder

	stop chan struct{}
}

// New binds the audio UDP port and starts the receive loop, mix tick, and
// eviction sweep. Call Close to stop all three.
func New(cfg Config, addr string) (*Mixer, error) {
	cfg = cfg.withDefaults()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m := &Mixer{
		cfg:     cfg,
		conn:    conn,
		clients: make(map[uint32]*client),
		encoder: enc,
		stop:    make(chan struct{}),
	}

	go m.receiveLoop()
	go m.tickLoop()
	go m.evictLoop()

	slog.Info("audio mixer listening", "addr", conn.LocalAddr().String())
	return m, nil
}

// Close stops the mixer and releases its socket.
func (m *Mixer) Close() error {
	close(m.stop)
	return m.conn.Close()
}

// Evict removes uid's client record immediately, for use by the session
// registry's leave listener (spec.md §3: "all other components... subscribe
// to C1's leave events to release their own derived state").
func (m *Mixer) Evict(uid uint32) {
	m.clientsMu.Lock()
	delete(m.clients, uid)
	m.clientsMu.Unlock()
}

func (m *Mixer) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				slog.Debug("audio read error", "err", err)
				continue
			}
		}
		if n < headerLen {
			continue
		}
		m.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (m *Mixer) handleDatagram(addr *net.UDPAddr, data []byte) {
	seq := binary.BigEndian.Uint32(data[0:4])
	tsMs := binary.BigEndian.Uint64(data[4:12])
	uid := binary.BigEndian.Uint32(data[12:16])
	payload := data[headerLen:]

	c := m.clientFor(uid, addr)

	m.clientsMu.Lock()
	accepted, gapDrops := c.acceptSeq(seq)
	if accepted && c.isLate(tsMs, m.cfg.LateMs) {
		accepted = false
	} else if accepted {
		c.lastTsMs = tsMs
	}
	c.received++
	c.dropped += gapDrops
	if !accepted {
		c.dropped++
	}
	c.lastSeen = time.Now()
	volume, muted := c.volume, c.muted
	m.clientsMu.Unlock()

	if !accepted {
		return
	}

	pcm := make([]int16, frameSamples)
	n, err := c.decoder.Decode(payload, pcm)
	if err != nil {
		slog.Debug("opus decode failed", "uid", uid, "err", err)
		return
	}
	pcm = pcm[:n*channels]

	frame := [frameSamples]float32{}
	if !muted {
		for i := 0; i < len(pcm) && i < frameSamples; i++ {
			frame[i] = float32(pcm[i]) / 32768.0 * float32(volume)
		}
	}

	m.pendingMu.Lock()
	m.pending = append(m.pending, frame)
	m.pendingMu.Unlock()
}

func (m *Mixer) clientFor(uid uint32, addr *net.UDPAddr) *client {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	c, ok := m.clients[uid]
	if !ok {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			slog.Error("create opus decoder", "uid", uid, "err", err)
		}
		c = &client{uid: uid, volume: 1.0, decoder: dec}
		m.clients[uid] = c
	}
	c.addr = addr
	return c
}

// SetVolume sets uid's gain scalar, applied under the client-table lock per
// spec.md §4.5.1.
func (m *Mixer) SetVolume(uid uint32, volume float64) {
	m.clientsMu.Lock()
	if c, ok := m.clients[uid]; ok {
		c.volume = volume
	}
	m.clientsMu.Unlock()
}

// SetMuted sets uid's mute flag.
func (m *Mixer) SetMuted(uid uint32, muted bool) {
	m.clientsMu.Lock()
	if c, ok := m.clients[uid]; ok {
		c.muted = muted
	}
	m.clientsMu.Unlock()
}

func (c *client) acceptSeq(seq uint32) (accept bool, gapDrops uint64) {
	if !c.hasSeq {
		c.hasSeq = true
		c.lastSeq = seq
		return true, 0
	}
	d := seq - c.lastSeq // uint32 wraparound subtraction, RFC1982-style
	switch {
	case d == 0:
		return false, 0
	case d == 1:
		c.lastSeq = seq
		return true, 0
	case d <= 0x80000000:
		gaps := uint64(d - 1)
		c.lastSeq = seq
		return true, gaps
	default:
		return false, 0
	}
}

func (c *client) isLate(tsMs uint64, lateMs int) bool {
	if c.lastTsMs == 0 {
		return false
	}
	if tsMs >= c.lastTsMs {
		return false
	}
	return c.lastTsMs-tsMs > uint64(lateMs)
}

func (m *Mixer) tickLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mixOnce()
		}
	}
}

func (m *Mixer) mixOnce() {
	m.pendingMu.Lock()
	frames := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	sum := mixFrames(frames)

	pcm := make([]int16, frameSamples)
	for i, s := range sum {
		pcm[i] = int16(s * 32767.0)
	}

	out := make([]byte, maxEncodeBytes)
	encN, err := m.encoder.Encode(pcm, out)
	if err != nil {
		slog.Error("opus encode failed", "err", err)
		return
	}
	out = out[:encN]

	for _, addr := range m.registeredAddrs() {
		if _, err := m.conn.WriteToUDP(out, addr); err != nil {
			slog.Debug("audio send failed", "addr", addr.String(), "err", err)
		}
	}
}

// mixFrames sums the tick's pending frames, normalizes by 1/√N, and clips
// to [-1.0, 1.0]. Pure and allocation-free so it can run on the real-time
// tick without jitter.
func mixFrames(frames [][frameSamples]float32) [frameSamples]float32 {
	var sum [frameSamples]float32
	n := len(frames)
	if n == 0 {
		return sum
	}
	for _, f := range frames {
		for i := range sum {
			sum[i] += f[i]
		}
	}
	norm := float32(1.0 / math.Sqrt(float64(n)))
	for i := range sum {
		sum[i] *= norm
		if sum[i] > 1.0 {
			sum[i] = 1.0
		} else if sum[i] < -1.0 {
			sum[i] = -1.0
		}
	}
	return sum
}

// registeredAddrs returns every currently registered client's last-seen
// source address. The baseline mixes everyone including the sender
// (spec.md's open question keeps this default).
func (m *Mixer) registeredAddrs() []*net.UDPAddr {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	out := make([]*net.UDPAddr, 0, len(m.clients))
	for _, c := range m.clients {
		if c.addr != nil {
			out = append(out, c.addr)
		}
	}
	return out
}

func (m *Mixer) evictLoop() {
	ticker := time.NewTicker(m.cfg.EvictSweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Mixer) sweep() {
	cutoff := time.Now().Add(-m.cfg.EvictTimeout)
	m.clientsMu.Lock()
	for uid, c := range m.clients {
		if c.lastSeen.Before(cutoff) {
			delete(m.clients, uid)
		}
	}
	m.clientsMu.Unlock()
}
