//go:build !noaudio

package audio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Player plays clips on the default output device, one at a time. The
// device is opened on first use; oto allows a single context per process.
type Player struct {
	once sync.Once
	otx  *oto.Context
	err  error
	busy chan struct{}
}

func NewPlayer() *Player {
	return &Player{busy: make(chan struct{}, 1)}
}

func (p *Player) open() error {
	p.once.Do(func() {
		otx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   SampleRate,
			ChannelCount: Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			p.err = fmt.Errorf("%w: %v", ErrNoDevice, err)
			return
		}
		<-ready
		p.otx = otx
	})
	return p.err
}

// Play blocks until the clip has finished or ctx is done. A clip queued
// behind another one waits for it.
func (p *Player) Play(ctx context.Context, clip Clip) error {
	pcm := clip.PCM()
	if pcm == nil {
		return fmt.Errorf("unknown clip %s", clip)
	}
	if err := p.open(); err != nil {
		return err
	}
	select {
	case p.busy <- struct{}{}:
		defer func() { <-p.busy }()
	case <-ctx.Done():
		return ctx.Err()
	}

	pl := p.otx.NewPlayer(bytes.NewReader(pcm))
	defer pl.Close()
	pl.Play()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for pl.IsPlaying() {
		select {
		case <-ctx.Done():
			pl.Pause()
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
