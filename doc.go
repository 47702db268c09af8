// # Kiosk Realtime Assistant Client
//
// This repository provides a Go package for building kiosk-style voice and video assistants on top of a realtime backend. It drives the full call lifecycle: a WebSocket control channel carrying JSON events, WebRTC signaling multiplexed over that channel for the assistant's audio/video, microphone capture streamed as base64 PCM16 chunks, streaming transcript and function-call reconciliation, and a persisted chat log.
package kiosk
