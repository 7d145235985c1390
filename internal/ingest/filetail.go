package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

// FileTail follows every configured file, reopening it after truncation.
type FileTail struct {
	cfg    *config.Manager
	out    chan<- model.Event
	logger *slog.Logger
}

func NewFileTail(cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) *FileTail {
	return &FileTail{cfg: cfg, out: out, logger: logger}
}

func (t *FileTail) String() string { return "ingest-filetail" }

func (t *FileTail) Serve(ctx context.Context) error {
	current := t.cfg.Get().Ingest.FileTail
	var wg sync.WaitGroup
	for _, path := range current.Files {
		if t.logger != nil {
			t.logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			t.tail(ctx, path, current.StartAtEnd)
		}(path)
	}
	wg.Wait()
	return ctx.Err()
}

func (t *FileTail) tail(ctx context.Context, path string, startAtEnd bool) {
	var file *os.File
	var offset int64
	parser := NewParser()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if t.logger != nil {
					t.logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				partial += line
				offset += int64(len(line))
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				if t.logger != nil {
					t.logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			line, partial = partial+line, ""
			handleLine(ctx, parser, t.cfg, line, "file_tail", t.out, t.logger)
		}
	}
}
