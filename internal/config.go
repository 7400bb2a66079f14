package internal

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	ServerWSURL      string        `env:"SERVER_WS_URL,required=true" validate:"required,url"`
	UploadAPIURL     string        `env:"UPLOAD_API_URL,required=true" validate:"required,url"`
	SigningSecret    string        `env:"SIGNING_SECRET,required=true" validate:"required,min=16"`
	UserID           string        `env:"USER_ID,required=true" validate:"required"`
	DeviceID         string        `env:"DEVICE_ID"`
	BufferSize       int           `env:"BUFFER_SIZE,default=256" validate:"gt=0"`
	ChunkSize        int64         `env:"CHUNK_SIZE,default=524288" validate:"gt=0"`
	ChunkConcurrency int           `env:"CHUNK_CONCURRENCY,default=3" validate:"gt=0,lte=16"`
	SinkTimeout      time.Duration `env:"SINK_TIMEOUT,default=5s"`
	JanitorInterval  time.Duration `env:"JANITOR_INTERVAL,default=1m"`
	MetricInterval   time.Duration `env:"METRIC_INTERVAL,default=5s"`
	BadgerFilepath   string        `env:"BADGER_FILEPATH,required=true" validate:"required"`
	DebugPort        int           `env:"DEBUG_PORT,default=0" validate:"gte=0,lte=65535"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}
