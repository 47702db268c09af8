package shared

import "errors"

var (
	ErrNoLogger         = errors.New("no logger provided")
	ErrNoConfig         = errors.New("no config provided")
	ErrNoCredential     = errors.New("no access credential configured")
	ErrNotConnected     = errors.New("not connected")
	ErrSessionActive    = errors.New("session already active")
	ErrTransportClosed  = errors.New("control transport closed")
	ErrNoPeerConnection = errors.New("no peer connection")
	ErrNoHandler        = errors.New("no handler provided")
)
