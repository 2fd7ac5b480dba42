// Package file reads frames from capture files.
package file

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type reader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source replays an Ethernet capture in pcap or pcapng format.
type Source struct {
	path   string
	file   io.Closer
	r      reader
	frames uint64
}

// Open opens the capture at path. Captures whose link type is not
// Ethernet are rejected.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	s, err := newSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	s.path = path
	s.file = f
	return s, nil
}

// NewReader reads a capture from r. The caller keeps ownership of r.
func NewReader(r io.Reader) (*Source, error) {
	return newSource(r)
}

func newSource(in io.Reader) (*Source, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var r reader
	if bytes.Equal(magic, ngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}
	return &Source{r: r}, nil
}

// ReadPacketData returns the next frame. The slice is owned by the caller.
// io.EOF marks the end of the capture.
func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ci, io.EOF
		}
		return nil, ci, fmt.Errorf("read frame %d: %w", s.frames+1, err)
	}
	s.frames++
	return data, ci, nil
}

// LinkType returns the capture's link type.
func (s *Source) LinkType() layers.LinkType {
	return s.r.LinkType()
}

// Frames returns the number of frames read so far.
func (s *Source) Frames() uint64 {
	return s.frames
}

// Path returns the capture path, empty for NewReader sources.
func (s *Source) Path() string {
	return s.path
}

// Close closes the underlying file.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
