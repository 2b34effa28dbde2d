package capture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// DiscordConfig selects the voice channel a DiscordCapability listens to.
type DiscordConfig struct {
	Token     string
	GuildID   string
	ChannelID string

	// SignalWait, when positive, bounds an optional wait for audible audio
	// before the container stream starts. Timing out is not an error; the
	// stream starts either way.
	SignalWait time.Duration
}

// DiscordCapability joins a Discord voice channel and re-containers the
// received Opus packets as an Ogg byte stream.
//
// Ogg carries no WebM cluster marker, so the segmenter treats this source as
// passthrough. Playback for users in the channel is handled by their own
// clients, so capturing never mutes anything.
type DiscordCapability struct {
	cfg DiscordConfig
	log *log.Logger

	mu      sync.Mutex
	session *discordgo.Session
	voice   *discordgo.VoiceConnection
	pw      *io.PipeWriter
	done    chan struct{}
	release sync.Once
}

func NewDiscord(cfg DiscordConfig, logger *log.Logger) *DiscordCapability {
	return &DiscordCapability{cfg: cfg, log: logger, done: make(chan struct{})}
}

func (d *DiscordCapability) MimeType() string {
	return "audio/ogg;codecs=opus"
}

func (d *DiscordCapability) Start(ctx context.Context) (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil, &CapabilityError{Reason: "already started"}
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return nil, &CapabilityError{Reason: "create discord session", Err: err}
	}
	if err := session.Open(); err != nil {
		return nil, &CapabilityError{Reason: "open discord gateway", Err: err}
	}

	voice, err := session.ChannelVoiceJoin(d.cfg.GuildID, d.cfg.ChannelID, true, false)
	if err != nil {
		session.Close()
		return nil, &CapabilityError{
			Reason: fmt.Sprintf("join voice channel %s", d.cfg.ChannelID),
			Err:    err,
		}
	}

	pr, pw := io.Pipe()
	ogg, err := oggwriter.NewWith(pw, 48000, 2)
	if err != nil {
		voice.Disconnect()
		session.Close()
		return nil, &EncoderError{Profile: d.MimeType(), Err: err}
	}

	d.session = session
	d.voice = voice
	d.pw = pw
	d.log.Info("capture started",
		"guild", d.cfg.GuildID, "channel", d.cfg.ChannelID, "mime", d.MimeType())

	if d.cfg.SignalWait > 0 {
		d.gateOnSignal(ctx, voice.OpusRecv)
	}

	go d.encode(ctx, voice.OpusRecv, ogg, pw)

	blocks := make(chan []byte, 16)
	go pumpBlocks(pr, blocks, d.done, d.log)
	return blocks, nil
}

// gateOnSignal discards packets until one crosses the audibility threshold or
// the wait times out. Either outcome proceeds; this only trims leading hush.
func (d *DiscordCapability) gateOnSignal(ctx context.Context, packets <-chan *discordgo.Packet) {
	frames := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(frames)
		for {
			select {
			case <-done:
				return
			case pkt, ok := <-packets:
				if !ok {
					return
				}
				select {
				case frames <- pkt.Opus:
				case <-done:
					return
				}
			}
		}
	}()

	outcome, err := WaitForSignal(ctx, frames, DefaultSignalThreshold, d.cfg.SignalWait)
	close(done)
	if err != nil {
		d.log.Warn("signal wait aborted", "error", err)
		return
	}
	d.log.Info("signal wait finished", "outcome", outcome)
}

func (d *DiscordCapability) encode(
	ctx context.Context,
	packets <-chan *discordgo.Packet,
	ogg *oggwriter.OggWriter,
	pw *io.PipeWriter,
) {
	defer ogg.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				pw.CloseWithError(io.EOF)
				return
			}
			err := ogg.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    0x78,
					SequenceNumber: pkt.Sequence,
					Timestamp:      pkt.Timestamp,
					SSRC:           pkt.SSRC,
				},
				Payload: pkt.Opus,
			})
			if err != nil {
				d.log.Warn("drop voice packet", "error", err)
			}
		}
	}
}

func (d *DiscordCapability) Release() error {
	var err error
	d.release.Do(func() {
		close(d.done)
		d.mu.Lock()
		voice := d.voice
		session := d.session
		pw := d.pw
		d.mu.Unlock()
		if pw != nil {
			pw.Close()
		}
		if voice != nil {
			if derr := voice.Disconnect(); derr != nil {
				err = fmt.Errorf("leave voice channel: %w", derr)
			}
		}
		if session != nil {
			session.Close()
		}
		d.log.Info("capture released", "channel", d.cfg.ChannelID)
	})
	return err
}
