package proto

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every message starts with its discriminant in field 1; variant payloads
// use fixed field numbers. Fields are written in ascending order so the
// encoding is deterministic.
const (
	fieldKind protowire.Number = 1

	fieldPID   protowire.Number = 2
	fieldAudio protowire.Number = 3

	fieldAudioURL protowire.Number = 2

	fieldProcess  protowire.Number = 2
	fieldHostname protowire.Number = 3
	fieldUptime   protowire.Number = 4
	fieldStatus   protowire.Number = 5

	fieldProcPID  protowire.Number = 1
	fieldProcName protowire.Number = 2

	fieldOK      protowire.Number = 1
	fieldErrKind protowire.Number = 2
	fieldErrMsg  protowire.Number = 3
)

func EncodeRequest(r Request) ([]byte, error) {
	b := appendVarint(nil, fieldKind, uint64(r.Kind))
	switch r.Kind {
	case KindListProcesses, KindGetSystemInfo, KindShutdown:
	case KindKillProcess:
		b = appendVarint(b, fieldPID, uint64(r.PID))
	case KindPlayAudio:
		audio, err := encodeAudio(r.Audio)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldAudio, protowire.BytesType)
		b = protowire.AppendBytes(b, audio)
	default:
		return nil, fmt.Errorf("encode request: %w: %s", ErrUnknownVariant, r.Kind)
	}
	return b, nil
}

func DecodeRequest(b []byte) (Request, error) {
	const what = "request"
	var (
		r    Request
		seen fieldSet
	)
	err := readFields(b, what, func(f field) error {
		if err := seen.once(what, f.num); err != nil {
			return err
		}
		switch f.num {
		case fieldKind:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint == 0 || f.varint > uint64(KindShutdown) {
				return decodeErr(what, fmt.Errorf("%w: request kind %d", ErrUnknownVariant, f.varint))
			}
			r.Kind = RequestKind(f.varint)
		case fieldPID:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint > math.MaxUint32 {
				return decodeErr(what, fmt.Errorf("pid %d out of range", f.varint))
			}
			r.PID = uint32(f.varint)
		case fieldAudio:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			src, err := decodeAudio(f.bytes)
			if err != nil {
				return err
			}
			r.Audio = src
		default:
			return unexpected(what, f)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if !seen.has(fieldKind) {
		return Request{}, decodeErr(what, fmt.Errorf("%w: kind", ErrMissingField))
	}
	switch r.Kind {
	case KindKillProcess:
		err = seen.exactly(what, fieldKind, fieldPID)
	case KindPlayAudio:
		err = seen.exactly(what, fieldKind, fieldAudio)
	default:
		err = seen.exactly(what, fieldKind)
	}
	if err != nil {
		return Request{}, err
	}
	return r, nil
}

func encodeAudio(s AudioSource) ([]byte, error) {
	if s.Kind == 0 || s.Kind > AudioURL {
		return nil, fmt.Errorf("encode audio source: %w: %d", ErrUnknownVariant, s.Kind)
	}
	b := appendVarint(nil, fieldKind, uint64(s.Kind))
	if s.Kind == AudioURL {
		b = appendString(b, fieldAudioURL, s.URL)
	}
	return b, nil
}

func decodeAudio(b []byte) (AudioSource, error) {
	const what = "audio source"
	var (
		s    AudioSource
		seen fieldSet
	)
	err := readFields(b, what, func(f field) error {
		if err := seen.once(what, f.num); err != nil {
			return err
		}
		switch f.num {
		case fieldKind:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint == 0 || f.varint > uint64(AudioURL) {
				return decodeErr(what, fmt.Errorf("%w: audio kind %d", ErrUnknownVariant, f.varint))
			}
			s.Kind = AudioKind(f.varint)
		case fieldAudioURL:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			s.URL = string(f.bytes)
		default:
			return unexpected(what, f)
		}
		return nil
	})
	if err != nil {
		return AudioSource{}, err
	}
	if !seen.has(fieldKind) {
		return AudioSource{}, decodeErr(what, fmt.Errorf("%w: kind", ErrMissingField))
	}
	if s.Kind == AudioURL {
		err = seen.exactly(what, fieldKind, fieldAudioURL)
	} else {
		err = seen.exactly(what, fieldKind)
	}
	if err != nil {
		return AudioSource{}, err
	}
	return s, nil
}

func EncodeResponse(r Response) ([]byte, error) {
	b := appendVarint(nil, fieldKind, uint64(r.Kind))
	switch r.Kind {
	case KindProcessList:
		for _, p := range r.Processes {
			entry := appendVarint(nil, fieldProcPID, uint64(p.PID))
			entry = appendString(entry, fieldProcName, p.Name)
			b = protowire.AppendTag(b, fieldProcess, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
	case KindSystemInfo:
		if r.SystemInfo.Uptime < 0 {
			return nil, fmt.Errorf("encode response: negative uptime %s", r.SystemInfo.Uptime)
		}
		b = appendString(b, fieldHostname, r.SystemInfo.Hostname)
		b = appendVarint(b, fieldUptime, uint64(r.SystemInfo.Uptime))
	case KindStatus:
		b = protowire.AppendTag(b, fieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeStatus(r.Status))
	default:
		return nil, fmt.Errorf("encode response: %w: %s", ErrUnknownVariant, r.Kind)
	}
	return b, nil
}

func DecodeResponse(b []byte) (Response, error) {
	const what = "response"
	var (
		r    Response
		seen fieldSet
	)
	err := readFields(b, what, func(f field) error {
		if f.num != fieldProcess {
			if err := seen.once(what, f.num); err != nil {
				return err
			}
		} else {
			seen.add(f.num)
		}
		switch f.num {
		case fieldKind:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint == 0 || f.varint > uint64(KindStatus) {
				return decodeErr(what, fmt.Errorf("%w: response kind %d", ErrUnknownVariant, f.varint))
			}
			r.Kind = ResponseKind(f.varint)
		case fieldProcess:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			p, err := decodeProcess(f.bytes)
			if err != nil {
				return err
			}
			r.Processes = append(r.Processes, p)
		case fieldHostname:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			r.SystemInfo.Hostname = string(f.bytes)
		case fieldUptime:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint > math.MaxInt64 {
				return decodeErr(what, fmt.Errorf("uptime %d out of range", f.varint))
			}
			r.SystemInfo.Uptime = time.Duration(f.varint)
		case fieldStatus:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			st, err := decodeStatus(f.bytes)
			if err != nil {
				return err
			}
			r.Status = st
		default:
			return unexpected(what, f)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if !seen.has(fieldKind) {
		return Response{}, decodeErr(what, fmt.Errorf("%w: kind", ErrMissingField))
	}
	switch r.Kind {
	case KindProcessList:
		if seen.has(fieldProcess) {
			err = seen.exactly(what, fieldKind, fieldProcess)
		} else {
			err = seen.exactly(what, fieldKind)
		}
		if r.Processes == nil {
			r.Processes = []Process{}
		}
	case KindSystemInfo:
		err = seen.exactly(what, fieldKind, fieldHostname, fieldUptime)
	case KindStatus:
		err = seen.exactly(what, fieldKind, fieldStatus)
	}
	if err != nil {
		return Response{}, err
	}
	return r, nil
}

func decodeProcess(b []byte) (Process, error) {
	const what = "process"
	var (
		p    Process
		seen fieldSet
	)
	err := readFields(b, what, func(f field) error {
		if err := seen.once(what, f.num); err != nil {
			return err
		}
		switch f.num {
		case fieldProcPID:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint > math.MaxUint32 {
				return decodeErr(what, fmt.Errorf("pid %d out of range", f.varint))
			}
			p.PID = uint32(f.varint)
		case fieldProcName:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			p.Name = string(f.bytes)
		default:
			return unexpected(what, f)
		}
		return nil
	})
	if err != nil {
		return Process{}, err
	}
	if err := seen.exactly(what, fieldProcPID, fieldProcName); err != nil {
		return Process{}, err
	}
	return p, nil
}

func encodeStatus(s Status) []byte {
	if s.OK {
		return appendVarint(nil, fieldOK, 1)
	}
	opErr := s.Err
	if opErr == nil {
		opErr = &OperationError{Kind: ErrKindUnknown}
	}
	b := appendVarint(nil, fieldOK, 0)
	b = appendVarint(b, fieldErrKind, uint64(opErr.Kind))
	return appendString(b, fieldErrMsg, opErr.Message)
}

func decodeStatus(b []byte) (Status, error) {
	const what = "status"
	var (
		s    Status
		kind ErrorKind
		msg  string
		seen fieldSet
	)
	err := readFields(b, what, func(f field) error {
		if err := seen.once(what, f.num); err != nil {
			return err
		}
		switch f.num {
		case fieldOK:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint > 1 {
				return decodeErr(what, fmt.Errorf("invalid ok flag %d", f.varint))
			}
			s.OK = f.varint == 1
		case fieldErrKind:
			if err := f.want(what, protowire.VarintType); err != nil {
				return err
			}
			if f.varint >= uint64(errKindLimit) {
				return decodeErr(what, fmt.Errorf("%w: error kind %d", ErrUnknownVariant, f.varint))
			}
			kind = ErrorKind(f.varint)
		case fieldErrMsg:
			if err := f.want(what, protowire.BytesType); err != nil {
				return err
			}
			msg = string(f.bytes)
		default:
			return unexpected(what, f)
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	if !seen.has(fieldOK) {
		return Status{}, decodeErr(what, fmt.Errorf("%w: ok", ErrMissingField))
	}
	if s.OK {
		err = seen.exactly(what, fieldOK)
	} else {
		err = seen.exactly(what, fieldOK, fieldErrKind, fieldErrMsg)
		s.Err = &OperationError{Kind: kind, Message: msg}
	}
	if err != nil {
		return Status{}, err
	}
	return s, nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) want(what string, typ protowire.Type) error {
	if f.typ != typ {
		return decodeErr(what, fmt.Errorf("%w: field %d has wire type %d", ErrUnexpectedField, f.num, f.typ))
	}
	return nil
}

func unexpected(what string, f field) error {
	return decodeErr(what, fmt.Errorf("%w: field %d", ErrUnexpectedField, f.num))
}

// readFields walks a message, handing each varint or length-delimited
// field to fn. Other wire types are not part of the protocol.
func readFields(b []byte, what string, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr(what, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return decodeErr(what, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)))
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return decodeErr(what, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)))
			}
			f.bytes = v
			b = b[n:]
		default:
			return decodeErr(what, fmt.Errorf("%w: field %d has wire type %d", ErrUnexpectedField, num, typ))
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// fieldSet records which of the low field numbers a message carried.
type fieldSet uint64

func (s *fieldSet) add(n protowire.Number) {
	if n < 64 {
		*s |= 1 << uint(n)
	}
}

func (s fieldSet) has(n protowire.Number) bool {
	return n < 64 && s&(1<<uint(n)) != 0
}

func (s *fieldSet) once(what string, n protowire.Number) error {
	if s.has(n) {
		return decodeErr(what, fmt.Errorf("duplicate field %d", n))
	}
	s.add(n)
	return nil
}

// exactly checks the message carried precisely the given fields.
func (s fieldSet) exactly(what string, nums ...protowire.Number) error {
	var want fieldSet
	for _, n := range nums {
		want.add(n)
	}
	if s == want {
		return nil
	}
	if missing := want &^ s; missing != 0 {
		return decodeErr(what, fmt.Errorf("%w: %s", ErrMissingField, missing.list()))
	}
	return decodeErr(what, fmt.Errorf("%w: %s", ErrUnexpectedField, (s &^ want).list()))
}

func (s fieldSet) list() string {
	out := ""
	for n := protowire.Number(0); n < 64; n++ {
		if s.has(n) {
			if out != "" {
				out += ","
			}
			out += fmt.Sprintf("%d", n)
		}
	}
	return out
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
