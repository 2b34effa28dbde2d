package caption

import "github.com/charmbracelet/log"

// LogPresenter writes captions to the logger. Used when the controller runs
// headless behind the control API and no terminal overlay exists.
type LogPresenter struct {
	Log *log.Logger
}

func (p LogPresenter) ShowCaption(text string) {
	p.Log.Info("caption", "text", text)
}

func (p LogPresenter) ClearCaption() {}

func (p LogPresenter) ApplyDisplay(cfg DisplayConfig) {
	p.Log.Debug("display settings",
		"font_px", cfg.FontSizePx, "position", cfg.Position)
}
