package tray

import (
	"context"
	"fmt"
	"time"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/screencap-tray/internal/app"
	"github.com/petems/screencap-tray/internal/config"
	"github.com/petems/screencap-tray/internal/screen"
)

type UI struct {
	app     *app.App
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mStartStop  *systray.MenuItem
	mMode       *systray.MenuItem
	mDevices    *systray.MenuItem
	mRegion     *systray.MenuItem
	mFullScreen *systray.MenuItem
	mCopyAuto   *systray.MenuItem
	mCopyLast   *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetRecording() {
	u.updateStatus("recording")
}

func (u *UI) SetStopping() {
	u.updateStatus("stopping")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(application *app.App, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		app:     application,
		version: version,
		commit:  commit,
		log:     log,
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks until Quit is clicked or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	u.updateStatus("idle")
	systray.SetTooltip("Screen and audio recorder")

	// Build menu
	u.mStartStop = systray.AddMenuItem(startStopTitle(false), "Start or stop recording")
	systray.AddSeparator()

	u.mMode = systray.AddMenuItem(modeTitle(u.app.Mode()), "Toggle between modes")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.buildDeviceMenu()

	u.mRegion = systray.AddMenuItem("", "Captured area")
	u.mRegion.Disable()
	u.mFullScreen = systray.AddMenuItemCheckbox("Full Screen", "Capture the whole display", false)
	u.refreshRegion()

	systray.AddSeparator()
	u.mCopyAuto = systray.AddMenuItemCheckbox("Copy Path After Recording", "Copy the file path to the clipboard", u.app.CopyPathEnabled())
	u.mCopyLast = systray.AddMenuItem("Copy Last Path", "Copy the last recording's path")

	systray.AddSeparator()
	mAbout := systray.AddMenuItem("About", "About ScreencapTray")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mAbout, mQuit)
}

func (u *UI) handleEvents(mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggleRecording()
		case <-u.mMode.ClickedCh:
			u.toggleMode()
		case <-u.mFullScreen.ClickedCh:
			u.toggleFullScreen()
		case <-u.mCopyAuto.ClickedCh:
			u.toggleCopyAuto()
		case <-u.mCopyLast.ClickedCh:
			u.copyLast()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleRecording() {
	if u.app.IsRecording() {
		u.app.StopRecording()
		return
	}
	if err := u.app.StartRecording(); err != nil {
		u.log.Error().Err(err).Msg("Failed to start recording")
	}
}

func (u *UI) buildDeviceMenu() {
	// Get devices from app
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	current := u.app.DeviceID()
	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(dev.Name, "")
		if dev.ID == current || (current == "" && dev.Default) {
			item.Check()
		}
		deviceItems[dev.ID] = item

		go func(deviceID, deviceName string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				if err := u.app.SetDevice(deviceID); err != nil {
					u.log.Error().Err(err).Str("device", deviceName).Msg("Failed to change audio device")
					continue
				}
				// Uncheck all other items
				for id, itm := range deviceItems {
					if id != deviceID {
						itm.Uncheck()
					}
				}
				menuItem.Check()
				u.log.Info().Str("device", deviceName).Msg("Changed audio device")
			}
		}(dev.ID, dev.Name, item)
	}
}

func (u *UI) toggleMode() {
	oldMode := u.app.Mode()
	newMode := config.ModeHold
	if oldMode == config.ModeHold {
		newMode = config.ModeToggle
	}
	if err := u.app.SetMode(newMode); err != nil {
		u.log.Error().Err(err).Msg("Failed to change mode")
		return
	}
	u.mMode.SetTitle(modeTitle(newMode))
	u.log.Info().Str("from", oldMode).Str("to", newMode).Msg("Changed mode")
}

func (u *UI) toggleFullScreen() {
	if u.mFullScreen.Checked() {
		// a partial region is picked by editing the config file, the
		// watcher reloads it
		u.log.Info().Str("config", u.app.ConfigPath()).Msg("Set region in the config file to capture part of the screen")
		return
	}
	if err := u.app.SetRegion(screen.Rect{}); err != nil {
		u.log.Error().Err(err).Msg("Failed to change region")
		return
	}
	u.refreshRegion()
}

func (u *UI) refreshRegion() {
	r, err := u.app.Region()
	if err != nil {
		u.mRegion.SetTitle("Region: unavailable")
		u.log.Warn().Err(err).Msg("Failed to resolve capture region")
		return
	}
	u.mRegion.SetTitle(regionTitle(r))
	if u.app.FullScreen() {
		u.mFullScreen.Check()
	} else {
		u.mFullScreen.Uncheck()
	}
}

// Refresh updates the menu after the settings were reloaded.
func (u *UI) Refresh() {
	if u.mRegion == nil {
		return
	}
	u.mMode.SetTitle(modeTitle(u.app.Mode()))
	u.refreshRegion()
}

func (u *UI) toggleCopyAuto() {
	enabled := !u.mCopyAuto.Checked()
	if err := u.app.SetCopyPath(enabled); err != nil {
		u.log.Error().Err(err).Msg("Failed to save setting")
		return
	}
	if enabled {
		u.mCopyAuto.Check()
	} else {
		u.mCopyAuto.Uncheck()
	}
}

func (u *UI) copyLast() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.app.CopyLastPath(ctx); err != nil {
		u.log.Warn().Err(err).Msg("Failed to copy last path")
		return
	}
	u.log.Info().Str("path", u.app.LastOutput()).Msg("Copied last path")
}

func (u *UI) showAbout() {
	u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("ScreencapTray: screen and audio recorder")
}

func (u *UI) onExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.app.Shutdown(ctx); err != nil {
		u.log.Error().Err(err).Msg("Shutdown did not finish")
	}
}

// updateStatus sets the tray title and the start/stop item for status
func (u *UI) updateStatus(status string) {
	systray.SetTitle(fmt.Sprintf("🎬 %s", emojiForStatus(status)))
	if u.mStartStop != nil {
		u.mStartStop.SetTitle(startStopTitle(status == "recording" || status == "stopping"))
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴" // Red - recording
	case "stopping":
		return "🟡" // Yellow - finishing the file
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopTitle(recording bool) string {
	if recording {
		return "Stop Recording"
	}
	return "Start Recording"
}

func modeTitle(mode string) string {
	if mode == config.ModeHold {
		return "Mode: Hold to Record"
	}
	return "Mode: Toggle"
}

func regionTitle(r screen.Rect) string {
	return fmt.Sprintf("Region: %dx%d at %d,%d", r.Width, r.Height, r.X, r.Y)
}
