//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation -framework Cocoa -framework CoreGraphics
#import <AVFoundation/AVFoundation.h>
#import <Cocoa/Cocoa.h>
#import <CoreGraphics/CoreGraphics.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}

int checkScreenCapturePermission() {
    return CGPreflightScreenCaptureAccess() ? 1 : 0;
}

void requestScreenCapturePermission() {
    CGRequestScreenCaptureAccess();
}

int checkAccessibilityPermission() {
    NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @YES};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}
*/
import "C"

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() int {
	return int(C.checkMicrophonePermission())
}

// RequestMicrophone triggers the system microphone permission dialog
func RequestMicrophone() {
	C.requestMicrophonePermission()
}

// CheckScreenCapture reports whether the process may record the screen.
func CheckScreenCapture() bool {
	return C.checkScreenCapturePermission() == 1
}

// RequestScreenCapture shows the screen recording prompt. The grant only
// takes effect after a restart.
func RequestScreenCapture() {
	C.requestScreenCapturePermission()
}

// CheckAccessibility checks if the app has accessibility permissions (needed for hotkeys)
func CheckAccessibility() bool {
	return C.checkAccessibilityPermission() == 1
}

// EnsurePermissions checks and requests all required permissions
func EnsurePermissions(log zerolog.Logger) error {
	if !CheckScreenCapture() {
		log.Warn().Msg("Screen recording permission required: System Settings > Privacy & Security > Screen Recording")
		RequestScreenCapture()
		return errors.New("screen recording permission not granted")
	}

	if CheckMicrophone() != PermissionAuthorized {
		log.Warn().Msg("Microphone permission required")
		RequestMicrophone()
		return errors.New("microphone permission not granted")
	}

	if !CheckAccessibility() {
		// the hotkey is optional, the tray menu still works
		log.Warn().Msg("Accessibility permission required for hotkeys: System Settings > Privacy & Security > Accessibility")
	}

	return nil
}
