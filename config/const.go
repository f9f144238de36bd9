package config

import "time"

const (
	EnvPrefix = "STATESAVER"

	DefaultAPIHost   = "127.0.0.1"
	DefaultAPIPort   = 7890
	DefaultAPIRPM    = 120
	DefaultBodyLimit = 64 * 1024 * 1024 // 64 MB

	ShutdownTimeout = 10 * time.Second

	// IPC websocket
	WSWriteTimeout = 10 * time.Second
	WSSendBuffer   = 64

	// SFTP uploads are buffered in memory until the handle is closed
	MaxUploadSize = 64 * 1024 * 1024
)
