package main

import "time"

type Config struct {
	MongoURI             string        `env:"MONGODB_URI,required=true"`
	Host                 string        `env:"HOST,default=0.0.0.0"`
	Port                 int           `env:"PORT,default=8080"`
	LogLevel             string        `env:"LOG_LEVEL,default=info"`
	HistoryPageSize      int64         `env:"HISTORY_PAGE_SIZE,default=50"`
	SendRatePerMinute    int           `env:"SEND_RATE_PER_MINUTE,default=120"`
	SendBurst            int           `env:"SEND_BURST,default=20"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT,default=5s"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`

	// Comma-separated Origin allow-list for the websocket handshake.
	// Empty accepts any origin (development default).
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
}
