package ws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"seedeep/internal/camera"
	"seedeep/internal/pipeline"
)

// encodeUpdate renders an update for one viewer. The shared message is
// copied so attaching a frame never leaks into other viewers' messages.
func encodeUpdate(u *pipeline.Update, withFrame bool) ([]byte, error) {
	if u.Error != nil {
		return json.Marshal(u.Error)
	}
	msg := *u.Message
	msg.Frame = nil
	if withFrame && len(u.Frame) > 0 {
		frame := base64.StdEncoding.EncodeToString(u.Frame)
		msg.Frame = &frame
	}
	return json.Marshal(&msg)
}

// subscribeError builds the error message sent when a viewer cannot attach
func subscribeError(cameraID string, err error) pipeline.ErrorMessage {
	msg := err.Error()
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		msg = fmt.Sprintf("Camera %s not found", cameraID)
	case errors.Is(err, camera.ErrNoStreamURL):
		msg = fmt.Sprintf("Camera %s has no stream URL", cameraID)
	}
	return pipeline.ErrorMessage{CameraID: cameraID, Error: msg}
}
