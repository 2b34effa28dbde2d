package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
)

// FFmpegConfig selects the device an FFmpegCapability records from.
//
// The default input is a PulseAudio monitor source, so whatever the machine
// is playing keeps playing while we record it. That satisfies the contract
// that capturing must not silence local playback.
type FFmpegConfig struct {
	Binary      string // defaults to "ffmpeg"
	InputFormat string // defaults to "pulse"
	Device      string // defaults to "default.monitor"
	SampleRate  int    // defaults to 48000
	Channels    int    // defaults to 2
	Bitrate     string // defaults to "64k"
}

func (c *FFmpegConfig) fill() {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.Device == "" {
		c.Device = "default.monitor"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.Bitrate == "" {
		c.Bitrate = "64k"
	}
}

// FFmpegCapability records a live audio device through ffmpeg, producing a
// WebM/Opus container byte stream on stdout.
type FFmpegCapability struct {
	cfg FFmpegConfig
	log *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	done    chan struct{}
	release sync.Once
}

func NewFFmpeg(cfg FFmpegConfig, logger *log.Logger) *FFmpegCapability {
	cfg.fill()
	return &FFmpegCapability{cfg: cfg, log: logger, done: make(chan struct{})}
}

func (f *FFmpegCapability) MimeType() string {
	return "audio/webm;codecs=opus"
}

func (f *FFmpegCapability) Start(ctx context.Context) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd != nil {
		return nil, &CapabilityError{Reason: "already started"}
	}

	if _, err := exec.LookPath(f.cfg.Binary); err != nil {
		return nil, &EncoderError{Profile: f.MimeType(), Err: err}
	}

	// ffmpeg -f pulse -i default.monitor -ac 2 -ar 48000 -c:a libopus -b:a 64k -f webm pipe:1
	cmd := exec.CommandContext(ctx, f.cfg.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", f.cfg.InputFormat,
		"-i", f.cfg.Device,
		"-ac", strconv.Itoa(f.cfg.Channels),
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-c:a", "libopus",
		"-b:a", f.cfg.Bitrate,
		"-f", "webm",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CapabilityError{Reason: "open encoder pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &CapabilityError{
			Reason: fmt.Sprintf("record from %s", f.cfg.Device),
			Err:    err,
		}
	}

	f.cmd = cmd
	f.stdout = stdout
	f.log.Info("capture started",
		"input", f.cfg.InputFormat, "device", f.cfg.Device, "mime", f.MimeType())

	blocks := make(chan []byte, 16)
	go pumpBlocks(stdout, blocks, f.done, f.log)
	return blocks, nil
}

func (f *FFmpegCapability) Release() error {
	var err error
	f.release.Do(func() {
		close(f.done)
		f.mu.Lock()
		cmd := f.cmd
		stdout := f.stdout
		f.mu.Unlock()
		if cmd == nil {
			return
		}
		if stdout != nil {
			stdout.Close()
		}
		if cmd.Process != nil {
			if kerr := cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("stop ffmpeg: %w", kerr)
			}
		}
		cmd.Wait()
		f.log.Info("capture released", "device", f.cfg.Device)
	})
	return err
}
