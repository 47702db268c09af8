package shared

// Version of the kiosk-realtime module. Bumped on tagged releases.
const Version = "0.3.0"
