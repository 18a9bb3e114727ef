// Package video is C5.2, the video reassembler and fan-out: a UDP ingress
// that reassembles chunked JPEG frames and rebroadcasts them to every other
// registered client, per spec.md §4.5.2.
package video

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	chunkHeaderLen = 36
	regMagicLen    = 12
	regMagic       = "VGPR"
	broadcastHdr   = 12 // uid(4) | ts-ms(8)
)

// Config holds C5.2's tunables.
type Config struct {
	MaxFramesPerUID int
	MaxFrameSize    int64
	MaxChunks       int
	MaxChunkSize    int

	ChunkTimeout time.Duration
	SweepPeriod  time.Duration
	EvictTimeout time.Duration
	EvictSweep   time.Duration

	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.MaxFramesPerUID <= 0 {
		c.MaxFramesPerUID = 50
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 10 << 20
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 100
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 1 << 20
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 5 * time.Second
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = time.Second
	}
	if c.EvictTimeout <= 0 {
		c.EvictTimeout = 10 * time.Second
	}
	if c.EvictSweep <= 0 {
		c.EvictSweep = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type videoClient struct {
	addr     *net.UDPAddr
	recvPort uint32
	lastSeen time.Time
}

type slotKey struct {
	uid     uint32
	frameID uint32
}

type slot struct {
	totalChunks uint32
	chunkSize   uint32
	chunks      [][]byte
	remaining   int
	createdAt   time.Time
	tsMs        uint64
}

type assembledFrame struct {
	uid   uint32
	tsMs  uint64
	bytes []byte
}

// Fanout owns the ingress/egress UDP sockets, the video client table, and
// the reassembly buffer.
type Fanout struct {
	cfg     Config
	ingress *net.UDPConn
	egress  *net.UDPConn

	clientsMu sync.Mutex
	clients   map[uint32]*videoClient

	slotsMu     sync.Mutex
	slots       map[slotKey]*slot
	perUIDCount map[uint32]int

	queue chan assembledFrame
	stop  chan struct{}
}

// New binds the ingress and egress UDP sockets and starts the receive,
// broadcast, sweep, and eviction loops.
func New(cfg Config, ingressAddr, egressAddr string) (*Fanout, error) {
	cfg = cfg.withDefaults()

	inAddr, err := net.ResolveUDPAddr("udp", ingressAddr)
	if err != nil {
		return nil, err
	}
	in, err := net.ListenUDP("udp", inAddr)
	if err != nil {
		return nil, err
	}

	outAddr, err := net.ResolveUDPAddr("udp", egressAddr)
	if err != nil {
		in.Close()
		return nil, err
	}
	out, err := net.ListenUDP("udp", outAddr)
	if err != nil {
		in.Close()
		return nil, err
	}

	f := &Fanout{
		cfg:         cfg,
		ingress:     in,
		egress:      out,
		clients:     make(map[uint32]*videoClient),
		slots:       make(map[slotKey]*slot),
		perUIDCount: make(map[uint32]int),
		queue:       make(chan assembledFrame, cfg.QueueSize),
		stop:        make(chan struct{}),
	}

	go f.receiveLoop()
	go f.broadcastLoop()
	go f.sweepLoop()
	go f.evictLoop()

	slog.Info("video fanout listening", "ingress", in.LocalAddr().String(), "egress", out.LocalAddr().String())
	return f, nil
}

// Close stops all loops and releases both sockets.
func (f *Fanout) Close() error {
	close(f.stop)
	f.ingress.Close()
	return f.egress.Close()
}

// Evict removes uid's client record, for use by the session registry's
// leave listener.
func (f *Fanout) Evict(uid uint32) {
	f.clientsMu.Lock()
	delete(f.clients, uid)
	f.clientsMu.Unlock()

	f.slotsMu.Lock()
	for key := range f.slots {
		if key.uid == uid {
			delete(f.slots, key)
		}
	}
	delete(f.perUIDCount, uid)
	f.slotsMu.Unlock()
}

func (f *Fanout) receiveLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := f.ingress.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.stop:
				return
			default:
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)
		if n == regMagicLen && string(data[0:4]) == regMagic {
			f.handleRegistration(addr, data)
			continue
		}
		if n >= chunkHeaderLen {
			f.handleChunk(addr, data)
		}
	}
}

func (f *Fanout) handleRegistration(addr *net.UDPAddr, data []byte) {
	uid := binary.BigEndian.Uint32(data[4:8])
	recvPort := binary.BigEndian.Uint32(data[8:12])
	f.clientFor(uid, addr, recvPort)
}

func (f *Fanout) handleChunk(addr *net.UDPAddr, data []byte) {
	uid := binary.BigEndian.Uint32(data[0:4])
	frameID := binary.BigEndian.Uint32(data[4:8])
	chunkIdx := binary.BigEndian.Uint32(data[8:12])
	totalChunks := binary.BigEndian.Uint32(data[12:16])
	tsMs := binary.BigEndian.Uint64(data[20:28])
	chunkSize := binary.BigEndian.Uint32(data[28:32])
	recvPort := binary.BigEndian.Uint32(data[32:36])
	payload := data[chunkHeaderLen:]

	if uint32(len(payload)) != chunkSize {
		return
	}
	if totalChunks == 0 || int(totalChunks) > f.cfg.MaxChunks {
		return
	}
	if chunkIdx >= totalChunks {
		return
	}
	if chunkSize == 0 || int(chunkSize) > f.cfg.MaxChunkSize {
		return
	}

	f.clientFor(uid, addr, recvPort)

	completed, frame := f.recordChunk(uid, frameID, chunkIdx, totalChunks, chunkSize, tsMs, payload)
	if completed {
		select {
		case f.queue <- frame:
		default:
			slog.Debug("video broadcast queue full, dropping assembled frame", "uid", uid, "frame_id", frameID)
		}
	}
}

func (f *Fanout) recordChunk(uid, frameID, chunkIdx, totalChunks, chunkSize uint32, tsMs uint64, payload []byte) (bool, assembledFrame) {
	key := slotKey{uid: uid, frameID: frameID}

	f.slotsMu.Lock()
	defer f.slotsMu.Unlock()

	s, ok := f.slots[key]
	if !ok {
		if f.perUIDCount[uid] >= f.cfg.MaxFramesPerUID {
			return false, assembledFrame{}
		}
		if int64(totalChunks)*int64(chunkSize) > f.cfg.MaxFrameSize {
			return false, assembledFrame{}
		}
		s = &slot{
			totalChunks: totalChunks,
			chunkSize:   chunkSize,
			chunks:      make([][]byte, totalChunks),
			remaining:   int(totalChunks),
			createdAt:   time.Now(),
			tsMs:        tsMs,
		}
		f.slots[key] = s
		f.perUIDCount[uid]++
	} else if s.totalChunks != totalChunks || s.chunkSize != chunkSize {
		return false, assembledFrame{}
	}

	if s.chunks[chunkIdx] != nil {
		return false, assembledFrame{}
	}
	s.chunks[chunkIdx] = append([]byte(nil), payload...)
	s.remaining--

	if s.remaining > 0 {
		return false, assembledFrame{}
	}

	delete(f.slots, key)
	f.perUIDCount[uid]--

	total := 0
	for _, c := range s.chunks {
		total += len(c)
	}
	assembled := make([]byte, 0, total)
	for _, c := range s.chunks {
		assembled = append(assembled, c...)
	}
	return true, assembledFrame{uid: uid, tsMs: s.tsMs, bytes: assembled}
}

func (f *Fanout) clientFor(uid uint32, addr *net.UDPAddr, recvPort uint32) {
	f.clientsMu.Lock()
	c, ok := f.clients[uid]
	if !ok {
		c = &videoClient{}
		f.clients[uid] = c
	}
	c.addr = addr
	c.recvPort = recvPort
	c.lastSeen = time.Now()
	f.clientsMu.Unlock()
}

func (f *Fanout) broadcastLoop() {
	for {
		select {
		case <-f.stop:
			return
		case frame := <-f.queue:
			f.broadcast(frame)
		}
	}
}

func (f *Fanout) broadcast(frame assembledFrame) {
	datagram := make([]byte, broadcastHdr+len(frame.bytes))
	binary.BigEndian.PutUint32(datagram[0:4], frame.uid)
	binary.BigEndian.PutUint64(datagram[4:12], frame.tsMs)
	copy(datagram[broadcastHdr:], frame.bytes)

	for _, target := range f.targetsExcluding(frame.uid) {
		if _, err := f.egress.WriteToUDP(datagram, target); err != nil {
			slog.Debug("video send failed", "addr", target.String(), "err", err)
		}
	}
}

// targetsExcluding returns every registered client's (ip, advertised
// receive-port) address except uid's own, per spec.md's sender-exclusion
// rule for video broadcast.
func (f *Fanout) targetsExcluding(uid uint32) []*net.UDPAddr {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	out := make([]*net.UDPAddr, 0, len(f.clients))
	for clientUID, c := range f.clients {
		if clientUID == uid || c.addr == nil || c.recvPort == 0 {
			continue
		}
		out = append(out, &net.UDPAddr{IP: c.addr.IP, Port: int(c.recvPort)})
	}
	return out
}

func (f *Fanout) sweepLoop() {
	ticker := time.NewTicker(f.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweepSlots()
		}
	}
}

func (f *Fanout) sweepSlots() {
	cutoff := time.Now().Add(-f.cfg.ChunkTimeout)
	f.slotsMu.Lock()
	for key, s := range f.slots {
		if s.createdAt.Before(cutoff) {
			received := int(s.totalChunks) - s.remaining
			slog.Debug("video reassembly timeout", "uid", key.uid, "frame_id", key.frameID, "received", received, "total", s.totalChunks)
			delete(f.slots, key)
			f.perUIDCount[key.uid]--
		}
	}
	f.slotsMu.Unlock()
}

func (f *Fanout) evictLoop() {
	ticker := time.NewTicker(f.cfg.EvictSweep)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweepClients()
		}
	}
}

func (f *Fanout) sweepClients() {
	cutoff := time.Now().Add(-f.cfg.EvictTimeout)
	f.clientsMu.Lock()
	for uid, c := range f.clients {
		if c.lastSeen.Before(cutoff) {
			delete(f.clients, uid)
		}
	}
	f.clientsMu.Unlock()
}
