package ingest

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
)

// payload is an upload body read to completion. Small bodies stay in
// memory; larger ones live in a temp file until Close.
type payload struct {
	mem         []byte
	file        *os.File
	size        int64
	fingerprint []byte
}

// spool reads body, enforcing 0 < size <= max, and hashes it on the way.
func spool(body io.Reader, max, threshold int64) (*payload, error) {
	h := sha256.New()
	src := io.TeeReader(io.LimitReader(body, max+1), h)

	var mem bytes.Buffer
	n, err := io.CopyN(&mem, src, threshold+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	p := &payload{size: n}
	if n > threshold {
		f, err := os.CreateTemp("", "integrity-upload-*")
		if err != nil {
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		p.file = f
		if _, err := f.Write(mem.Bytes()); err != nil {
			p.Close()
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		rest, err := io.Copy(f, src)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("read upload: %w", err)
		}
		p.size += rest
	} else {
		p.mem = mem.Bytes()
	}

	switch {
	case p.size == 0:
		p.Close()
		return nil, common.NewAppError(common.CodePayloadTooLarge, "file is empty", common.ErrPayloadTooLarge)
	case p.size > max:
		p.Close()
		return nil, common.NewAppError(common.CodePayloadTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", max), common.ErrPayloadTooLarge)
	}
	p.fingerprint = h.Sum(nil)
	return p, nil
}

// Reader returns a reader positioned at the start of the body.
func (p *payload) Reader() (io.Reader, error) {
	if p.file == nil {
		return bytes.NewReader(p.mem), nil
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return p.file, nil
}

func (p *payload) Close() {
	if p.file != nil {
		name := p.file.Name()
		_ = p.file.Close()
		_ = os.Remove(name)
		p.file = nil
	}
}
