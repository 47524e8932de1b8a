package proto

import (
	"fmt"
	"io"
)

// ReadLimited reads a whole payload (up to EOF) and fails with
// ErrPayloadTooLarge once more than max bytes arrive, before any of it is
// decoded.
func ReadLimited(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("invalid payload limit %d", max)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > max {
		return nil, &DecodeError{What: "payload", Err: fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, max)}
	}
	return data, nil
}

// WriteAll writes payload, failing on a short write.
func WriteAll(w io.Writer, payload []byte) error {
	total := 0
	for total < len(payload) {
		n, err := w.Write(payload[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// ReadRequest reads and decodes one request, enforcing MaxRequestSize.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := ReadLimited(r, MaxRequestSize)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(data)
}

// ReadResponse reads and decodes one response, enforcing MaxResponseSize.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadLimited(r, MaxResponseSize)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(data)
}

func WriteRequest(w io.Writer, req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	if len(data) > MaxRequestSize {
		return fmt.Errorf("%w: request is %d bytes", ErrPayloadTooLarge, len(data))
	}
	return WriteAll(w, data)
}

func WriteResponse(w io.Writer, resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if len(data) > MaxResponseSize {
		return fmt.Errorf("%w: response is %d bytes", ErrPayloadTooLarge, len(data))
	}
	return WriteAll(w, data)
}
