package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"livecap/internal/caption"
	"livecap/internal/capture"
	"livecap/internal/config"
	"livecap/internal/httpapi"
	"livecap/internal/session"
	"livecap/internal/store"
	"livecap/internal/tui"
)

var logger *log.Logger

var rootCmd = &cobra.Command{
	Use:   "livecap",
	Short: "Live captions for whatever this machine is playing",
	Long: `livecap captures a live audio source, streams it to a remote
transcription service in fixed-duration segments, and renders the returned
subtitles as captions in the terminal.`,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Start a capture session with the terminal caption overlay",
	Run:   runCapture,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run headless behind the local control API",
	Run:   runServe,
}

var lsCmd = &cobra.Command{
	Use:   "ls [sessionID]",
	Short: "List archived transcript sessions",
	Args:  cobra.MaximumNArgs(1),
	Run:   runList,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lsCmd)

	rootCmd.PersistentFlags().
		String("endpoint", "", "Transcription service websocket URL")
	rootCmd.PersistentFlags().
		Int("chunk-ms", 0, "Segment duration in milliseconds")
	rootCmd.PersistentFlags().
		String("model", "", "Model hint passed to the remote service")
	rootCmd.PersistentFlags().
		String("source", "", "Audio source: ffmpeg or discord")
	rootCmd.PersistentFlags().
		String("database-url", "", "PostgreSQL URL for the transcript archive")
	serveCmd.Flags().Int("port", 0, "Control API port")

	viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	viper.BindPFlag("chunk_duration_ms", rootCmd.PersistentFlags().Lookup("chunk-ms"))
	viper.BindPFlag("model_hint", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("source", rootCmd.PersistentFlags().Lookup("source"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("http_port", serveCmd.Flags().Lookup("port"))
}

func initConfig() {
	config.SetDefaults()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("LIVECAP")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	logger = log.New(os.Stderr)
}

func openStore(settings config.Settings) store.Store {
	if settings.DatabaseURL == "" {
		return store.NewMemory()
	}
	st, err := store.OpenPostgres(context.Background(), settings.DatabaseURL)
	if err != nil {
		logger.Fatal("open transcript archive", "error", err)
	}
	return st
}

// acquireFor builds the capability acquisition step for the configured source.
func acquireFor(settings config.Settings) session.AcquireFunc {
	return func(_ context.Context, _ session.Config) (capture.Capability, error) {
		switch settings.Source {
		case "discord":
			if settings.DiscordToken == "" ||
				settings.DiscordGuildID == "" ||
				settings.DiscordChannelID == "" {
				return nil, &capture.CapabilityError{
					Reason: "discord source needs token, guild id, and channel id",
				}
			}
			return capture.NewDiscord(capture.DiscordConfig{
				Token:      settings.DiscordToken,
				GuildID:    settings.DiscordGuildID,
				ChannelID:  settings.DiscordChannelID,
				SignalWait: time.Duration(settings.SignalWaitMs) * time.Millisecond,
			}, logger), nil
		case "ffmpeg", "":
			return capture.NewFFmpeg(capture.FFmpegConfig{
				Binary:      settings.FFmpegBinary,
				InputFormat: settings.FFmpegInputFormat,
				Device:      settings.FFmpegDevice,
			}, logger), nil
		default:
			return nil, &capture.CapabilityError{
				Reason: fmt.Sprintf("unknown audio source %q", settings.Source),
			}
		}
	}
}

func runCapture(cmd *cobra.Command, args []string) {
	settings := config.Load()
	st := openStore(settings)
	defer st.Close(context.Background())

	renderer := caption.NewRenderer(logger, nil)
	ui := tui.New()
	ctrl := session.New(logger, st, renderer, acquireFor(settings))
	ctrl.AddObserver(ui)
	ctrl.OnInstall(func() error {
		renderer.Attach(ui)
		return nil
	})

	go func() {
		if err := ctrl.Start(context.Background(), settings.SessionConfig()); err != nil {
			logger.Error("session start failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		ui.Quit()
	}()

	if err := ui.Run(); err != nil {
		logger.Error("overlay exited", "error", err)
	}
	ctrl.Stop("shutdown")
}

func runServe(cmd *cobra.Command, args []string) {
	settings := config.Load()
	st := openStore(settings)
	defer st.Close(context.Background())

	renderer := caption.NewRenderer(logger, nil)
	renderer.Attach(caption.LogPresenter{Log: logger})
	ctrl := session.New(logger, st, renderer, acquireFor(settings))

	api := httpapi.New(logger, ctrl, st)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.HTTPPort),
		Handler: api.Router(),
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		ctrl.Stop("shutdown")
		srv.Shutdown(context.Background())
	}()

	logger.Info("control api", "url", fmt.Sprintf("http://localhost:%d", settings.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("control api failed", "error", err)
	}
}

func runList(cmd *cobra.Command, args []string) {
	settings := config.Load()
	if settings.DatabaseURL == "" {
		logger.Fatal("ls needs database_url (the transcript archive)")
	}
	st, err := store.OpenPostgres(context.Background(), settings.DatabaseURL)
	if err != nil {
		logger.Fatal("open transcript archive", "error", err)
	}
	defer st.Close(context.Background())

	if len(args) == 1 {
		recs, err := st.Subtitles(context.Background(), args[0])
		if err != nil {
			logger.Fatal("load subtitles", "error", err)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Start", "End", "Text"})
		for _, rec := range recs {
			table.Append([]string{
				fmt.Sprintf("%.1fs", rec.Start),
				fmt.Sprintf("%.1fs", rec.End),
				rec.Text,
			})
		}
		table.Render()
		return
	}

	sessions, err := st.ListSessions(context.Background())
	if err != nil {
		logger.Fatal("list sessions", "error", err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Started", "Subtitles"})
	for _, info := range sessions {
		table.Append([]string{
			info.ID,
			info.StartedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", info.SubtitleCount),
		})
	}
	table.Render()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
