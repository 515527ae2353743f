package negotiator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

var ErrFrameSourceClosed = errors.New("frame source closed")

// IVFSource 从 IVF 文件循环读取 VP8 帧，按文件时间基的节拍输出
type IVFSource struct {
	mu     sync.Mutex
	file   *os.File
	reader *ivfreader.IVFReader
	ticker *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}
}

func OpenIVF(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, fmt.Errorf("ivf %s: unsupported codec %q, want VP80", path, header.FourCC)
	}

	interval := videoFrameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	return &IVFSource{
		file:   f,
		reader: reader,
		ticker: time.NewTicker(interval),
		closed: make(chan struct{}),
	}, nil
}

func (s *IVFSource) ReadFrame() ([]byte, func(), error) {
	select {
	case <-s.closed:
		return nil, nil, ErrFrameSourceClosed
	case <-s.ticker.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil, nil, ErrFrameSourceClosed
	default:
	}

	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		// 读到结尾从头循环
		if err = s.rewind(); err != nil {
			return nil, nil, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return nil, nil, err
	}
	return frame, nil, nil
}

func (s *IVFSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	return nil
}

func (s *IVFSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ticker.Stop()
		s.mu.Lock()
		err = s.file.Close()
		s.mu.Unlock()
	})
	return err
}
