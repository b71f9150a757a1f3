package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Protocol handlers carry their own tunables beyond the shared endpoint
// settings. They live in the connector's free-form options section and
// are decoded into the typed struct matching the connector's protocol.

// HTTPOptions tunes the HTTP/1.1 framer.
type HTTPOptions struct {
	// MaxBodyBytes bounds the request body; 0 keeps the built-in limit
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// BufferSize sizes the per-connection read buffer; 0 keeps the
	// default
	BufferSize int `mapstructure:"buffer_size"`
}

// FMPOptions tunes the fragmented message protocol framer.
type FMPOptions struct {
	// MaxMessageBytes bounds a reassembled message; 0 keeps the
	// built-in limit
	MaxMessageBytes int `mapstructure:"max_message_bytes"`

	// BufferSize sizes the initial reassembly buffer; 0 keeps the
	// default
	BufferSize int `mapstructure:"buffer_size"`
}

// DecodeHTTPOptions decodes a connector's options section for an HTTP
// connector.
func DecodeHTTPOptions(options map[string]any) (*HTTPOptions, error) {
	var opts HTTPOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode http options: %w", err)
	}
	if opts.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("http options: max_body_bytes cannot be negative")
	}
	return &opts, nil
}

// DecodeFMPOptions decodes a connector's options section for an FMP
// connector.
func DecodeFMPOptions(options map[string]any) (*FMPOptions, error) {
	var opts FMPOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode fmp options: %w", err)
	}
	if opts.MaxMessageBytes < 0 {
		return nil, fmt.Errorf("fmp options: max_message_bytes cannot be negative")
	}
	return &opts, nil
}

func decodeOptions(options map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      result,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}
