// Package proto defines the munin request/response protocol: the closed
// Request and Response unions, their binary encoding, the payload ceilings
// and the reason codes a connection is closed with.
package proto

import (
	"fmt"
	"strings"
	"time"
)

// ALPN scopes QUIC connections to this protocol.
const ALPN = "munin/1"

const (
	MaxRequestSize  = 1024
	MaxResponseSize = 1 << 20
)

type RequestKind uint8

const (
	KindListProcesses RequestKind = iota + 1
	KindKillProcess
	KindGetSystemInfo
	KindPlayAudio
	KindShutdown
)

func (k RequestKind) String() string {
	switch k {
	case KindListProcesses:
		return "list_processes"
	case KindKillProcess:
		return "kill_process"
	case KindGetSystemInfo:
		return "get_system_info"
	case KindPlayAudio:
		return "play_audio"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("request_kind(%d)", uint8(k))
	}
}

// Request is exactly one of the request variants; only the fields of the
// selected Kind are meaningful.
type Request struct {
	Kind  RequestKind
	PID   uint32
	Audio AudioSource
}

func ListProcesses() Request {
	return Request{Kind: KindListProcesses}
}

func KillProcess(pid uint32) Request {
	return Request{Kind: KindKillProcess, PID: pid}
}

func GetSystemInfo() Request {
	return Request{Kind: KindGetSystemInfo}
}

func PlayAudio(src AudioSource) Request {
	return Request{Kind: KindPlayAudio, Audio: src}
}

func Shutdown() Request {
	return Request{Kind: KindShutdown}
}

func (r Request) String() string {
	switch r.Kind {
	case KindKillProcess:
		return fmt.Sprintf("%s(%d)", r.Kind, r.PID)
	case KindPlayAudio:
		return fmt.Sprintf("%s(%s)", r.Kind, r.Audio)
	default:
		return r.Kind.String()
	}
}

type AudioKind uint8

const (
	AudioWakeUp AudioKind = iota + 1
	AudioAlarm
	AudioRickRoll
	AudioURL
)

type AudioSource struct {
	Kind AudioKind
	URL  string
}

func (s AudioSource) String() string {
	switch s.Kind {
	case AudioWakeUp:
		return "wakeup"
	case AudioAlarm:
		return "alarm"
	case AudioRickRoll:
		return "rickroll"
	case AudioURL:
		return "url:" + s.URL
	default:
		return fmt.Sprintf("audio_kind(%d)", uint8(s.Kind))
	}
}

// ParseAudioSource accepts a built-in clip name or an absolute URL.
func ParseAudioSource(s string) (AudioSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wakeup", "wake-up", "wake_up":
		return AudioSource{Kind: AudioWakeUp}, nil
	case "alarm", "gotobed", "go-to-bed", "go_to_bed":
		return AudioSource{Kind: AudioAlarm}, nil
	case "rickroll", "rick-roll":
		return AudioSource{Kind: AudioRickRoll}, nil
	}
	if strings.Contains(s, "://") {
		return AudioSource{Kind: AudioURL, URL: s}, nil
	}
	return AudioSource{}, fmt.Errorf("unknown audio source %q (want wakeup, alarm, rickroll or a url)", s)
}

type ResponseKind uint8

const (
	KindProcessList ResponseKind = iota + 1
	KindSystemInfo
	KindStatus
)

func (k ResponseKind) String() string {
	switch k {
	case KindProcessList:
		return "process_list"
	case KindSystemInfo:
		return "system_info"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("response_kind(%d)", uint8(k))
	}
}

// Process is one entry of a process listing, in OS enumeration order.
type Process struct {
	PID  uint32
	Name string
}

type SystemInfo struct {
	Hostname string
	Uptime   time.Duration
}

// Status reports whether the requested action itself succeeded. A failed
// action is still a successful exchange.
type Status struct {
	OK  bool
	Err *OperationError
}

func (s Status) String() string {
	if s.OK {
		return "OK"
	}
	if s.Err == nil {
		return "failed"
	}
	return s.Err.Error()
}

type Response struct {
	Kind       ResponseKind
	Processes  []Process
	SystemInfo SystemInfo
	Status     Status
}

func ProcessListResponse(ps []Process) Response {
	return Response{Kind: KindProcessList, Processes: ps}
}

func SystemInfoResponse(info SystemInfo) Response {
	return Response{Kind: KindSystemInfo, SystemInfo: info}
}

func OKResponse() Response {
	return Response{Kind: KindStatus, Status: Status{OK: true}}
}

func FailureResponse(err *OperationError) Response {
	return Response{Kind: KindStatus, Status: Status{Err: err}}
}

// Failed reports whether the response carries an operation failure.
func (r Response) Failed() bool {
	return r.Kind == KindStatus && !r.Status.OK
}
