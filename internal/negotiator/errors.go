package negotiator

import "errors"

var (
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrSignalingFailed        = errors.New("signaling failed")
	ErrConnectionFailed       = errors.New("connection failed")
	ErrSessionBusy            = errors.New("session already has a call in progress")
	ErrSessionClosed          = errors.New("session closed")
)
