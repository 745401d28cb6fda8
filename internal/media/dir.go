package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// LatestName is the file DirSink keeps replacing with the newest frame.
const LatestName = "latest.jpg"

// DirSink writes delivered frames into a directory. The newest frame is
// always at LatestName; with KeepAll each frame is also kept under its serial.
type DirSink struct {
	Dir     string
	KeepAll bool
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string, keepAll bool) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{Dir: dir, KeepAll: keepAll}, nil
}

// Write replaces LatestName atomically so readers never see a partial image.
func (s *DirSink) Write(serial uint16, frame []byte) error {
	tmp, err := os.CreateTemp(s.Dir, ".frame-*")
	if err != nil {
		return fmt.Errorf("create temp frame: %w", err)
	}
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write frame %d: %w", serial, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close frame %d: %w", serial, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, LatestName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish frame %d: %w", serial, err)
	}

	if s.KeepAll {
		name := filepath.Join(s.Dir, fmt.Sprintf("frame-%05d.jpg", serial))
		if err := os.WriteFile(name, frame, 0o644); err != nil {
			return fmt.Errorf("keep frame %d: %w", serial, err)
		}
	}
	return nil
}
