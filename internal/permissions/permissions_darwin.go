//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkAudioCapturePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestAudioCapturePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import "fmt"

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// CheckAudioCapture returns the current audio capture permission status
func CheckAudioCapture() (int, error) {
	status := int(C.checkAudioCapturePermission())
	return status, nil
}

// RequestAudioCapture triggers the system audio capture permission dialog
func RequestAudioCapture() error {
	C.requestAudioCapturePermission()
	return nil
}

// EnsurePermissions checks and requests all required permissions
func EnsurePermissions() error {
	status, _ := CheckAudioCapture()
	if status != PermissionAuthorized {
		fmt.Println("⚠️  Audio capture permission required")
		RequestAudioCapture()
		return fmt.Errorf("audio capture permission not granted")
	}

	return nil
}
