package optimize

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// DebugSink receives intermediate pixel buffers for inspection. A nil
// sink disables dumping; emit failures never affect processing.
type DebugSink interface {
	Emit(imageIndex int, stage string, img image.Image) error
}

// DirSink writes each emitted buffer as a PNG under a directory.
type DirSink struct {
	Dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirSink{Dir: dir}, nil
}

func (s *DirSink) Emit(imageIndex int, stage string, img image.Image) error {
	path := filepath.Join(s.Dir, fmt.Sprintf("Image%d-%s.png", imageIndex, stage))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
