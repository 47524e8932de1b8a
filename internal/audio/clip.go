// Package audio renders the built-in clips and plays them on the default
// output device.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// PCM format shared by every clip: mono, signed 16-bit little endian.
const (
	SampleRate     = 44100
	Channels       = 1
	bytesPerSample = 2
)

// ErrNoDevice reports that no audio output is available.
var ErrNoDevice = errors.New("no audio output device")

type Clip uint8

const (
	ClipWakeUp Clip = iota + 1
	ClipAlarm
	ClipRickRoll
	clipLimit
)

func (c Clip) String() string {
	switch c {
	case ClipWakeUp:
		return "wakeup"
	case ClipAlarm:
		return "alarm"
	case ClipRickRoll:
		return "rickroll"
	default:
		return fmt.Sprintf("clip(%d)", uint8(c))
	}
}

func Clips() []Clip {
	return []Clip{ClipWakeUp, ClipAlarm, ClipRickRoll}
}

func ParseClip(s string) (Clip, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wakeup", "wake-up", "wake_up":
		return ClipWakeUp, nil
	case "alarm", "gotobed", "go-to-bed", "go_to_bed":
		return ClipAlarm, nil
	case "rickroll", "rick-roll":
		return ClipRickRoll, nil
	}
	return 0, fmt.Errorf("unknown clip %q", s)
}

// PCM returns the rendered samples. The slice is shared; callers must not
// modify it.
func (c Clip) PCM() []byte {
	if c == 0 || c >= clipLimit {
		return nil
	}
	return rendered[c]()
}

// Duration is the playback length of the clip.
func (c Clip) Duration() time.Duration {
	n := len(c.PCM()) / (bytesPerSample * Channels)
	return time.Duration(n) * time.Second / SampleRate
}

type note struct {
	freq float64 // Hz, 0 is a rest
	dur  time.Duration
}

const (
	c5 = 523.25
	d5 = 587.33
	e5 = 659.25
	f5 = 698.46
	g5 = 783.99
	a5 = 880.00
	b5 = 987.77
	c6 = 1046.50
)

func score(c Clip) []note {
	const (
		q = 160 * time.Millisecond
		h = 2 * q
	)
	switch c {
	case ClipWakeUp:
		var out []note
		for i := 0; i < 3; i++ {
			out = append(out, note{c5, q}, note{e5, q}, note{g5, q}, note{c6, h}, note{0, q})
		}
		return out
	case ClipAlarm:
		var out []note
		for i := 0; i < 8; i++ {
			out = append(out, note{a5, 200 * time.Millisecond}, note{e5, 200 * time.Millisecond}, note{0, 100 * time.Millisecond})
		}
		return out
	case ClipRickRoll:
		return []note{
			{c5, q}, {d5, q}, {f5, q}, {d5, q},
			{a5, h}, {a5, h}, {g5, h + q}, {0, q},
			{c5, q}, {d5, q}, {f5, q}, {d5, q},
			{g5, h}, {g5, h}, {f5, h + q}, {e5, q}, {d5, h},
			{0, q}, {b5, q}, {c6, h},
		}
	}
	return nil
}

var rendered = func() [clipLimit]func() []byte {
	var fns [clipLimit]func() []byte
	for c := ClipWakeUp; c < clipLimit; c++ {
		fns[c] = sync.OnceValue(func() []byte { return render(score(c)) })
	}
	return fns
}()

// envelope ramp at both ends of a note; keeps the joins from clicking
const ramp = 8 * time.Millisecond

func render(notes []note) []byte {
	var total int
	for _, n := range notes {
		total += samples(n.dur)
	}
	out := make([]byte, 0, total*bytesPerSample)
	rampN := samples(ramp)
	for _, n := range notes {
		count := samples(n.dur)
		for i := 0; i < count; i++ {
			var v float64
			if n.freq > 0 {
				gain := 0.3
				if i < rampN {
					gain *= float64(i) / float64(rampN)
				} else if count-i < rampN {
					gain *= float64(count-i) / float64(rampN)
				}
				v = gain * math.Sin(2*math.Pi*n.freq*float64(i)/SampleRate)
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(v*math.MaxInt16)))
		}
	}
	return out
}

func samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}
