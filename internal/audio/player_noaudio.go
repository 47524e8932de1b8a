//go:build noaudio

package audio

import "context"

// Player stands in for the device player in builds without audio support
// (no cgo or no ALSA headers on linux).
type Player struct{}

func NewPlayer() *Player {
	return &Player{}
}

func (p *Player) Play(ctx context.Context, clip Clip) error {
	return ErrNoDevice
}
