package tui

// UI Text Constants
const (
	TextTitle        = "🎬 Manimate Script Watcher"
	TextFooterActive = "Press 'q' or Ctrl+C to stop watching"
	TextFooterDone   = "Press 'q' or Ctrl+C to exit"

	maxLogs = 8
)
