package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"net"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	toneSampleRate   = 48000
	toneFrameSamples = 1920 // 40ms at 48kHz mono
	toneHz           = 440.0
)

// RunTestBot is a virtual client that sends a periodic 440 Hz tone as Opus
// datagrams against the audio mixer, for exercising C5.1 without a real
// microphone capture pipeline (out of scope per spec.md §1).
func RunTestBot(ctx context.Context, audioAddr string, uid uint32) {
	raddr, err := net.ResolveUDPAddr("udp", audioAddr)
	if err != nil {
		slog.Error("testbot resolve audio addr", "err", err)
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		slog.Error("testbot dial audio", "err", err)
		return
	}
	defer conn.Close()

	enc, err := opus.NewEncoder(toneSampleRate, 1, opus.AppVoIP)
	if err != nil {
		slog.Error("testbot create encoder", "err", err)
		return
	}

	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()

	var seq uint32
	var phase float64
	slog.Info("testbot started", "uid", uid, "addr", audioAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pcm := make([]int16, toneFrameSamples)
		for i := range pcm {
			pcm[i] = int16(math.Sin(phase) * 8000)
			phase += 2 * math.Pi * toneHz / toneSampleRate
		}

		payload := make([]byte, 4000)
		n, err := enc.Encode(pcm, payload)
		if err != nil {
			slog.Error("testbot encode", "err", err)
			continue
		}
		payload = payload[:n]

		datagram := make([]byte, 16+len(payload))
		binary.BigEndian.PutUint32(datagram[0:4], seq)
		binary.BigEndian.PutUint64(datagram[4:12], uint64(time.Now().UnixMilli()))
		binary.BigEndian.PutUint32(datagram[12:16], uid)
		copy(datagram[16:], payload)
		seq++

		if _, err := conn.Write(datagram); err != nil {
			slog.Debug("testbot send failed", "err", err)
		}
	}
}
