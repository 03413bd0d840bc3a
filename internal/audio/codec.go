// Package audio converts captured audio to the gateway's text-safe encoding
// and turns patient replies back into playable resources, keeping at most one
// decoded resource alive per client.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// BinaryTextCodec converts between raw bytes and a transport-safe string.
// *base64.Encoding satisfies it.
type BinaryTextCodec interface {
	EncodeToString(src []byte) string
	DecodeString(s string) ([]byte, error)
}

// Resource is a playable decoded reply. Release frees it.
type Resource interface {
	ID() string
	ContentType() string
	Release() error
}

// Sink creates playable resources from decoded audio.
type Sink interface {
	Create(data []byte, contentType string) (Resource, error)
}

var (
	ErrEmptyPayload = errors.New("audio: empty payload")
	ErrNoSink       = errors.New("audio: no sink configured")
)

// DefaultContentType is used when the gateway does not label patient audio.
const DefaultContentType = "audio/mpeg"

type Codec struct {
	text BinaryTextCodec
	sink Sink

	mu      sync.Mutex
	current Resource
}

// NewCodec builds a codec. A nil text codec defaults to standard base64.
func NewCodec(text BinaryTextCodec, sink Sink) *Codec {
	if text == nil {
		text = base64.StdEncoding
	}
	return &Codec{text: text, sink: sink}
}

// Encode reads all of src and returns its text encoding.
func (c *Codec) Encode(src io.Reader) (string, error) {
	if src == nil {
		return "", ErrEmptyPayload
	}
	b, err := io.ReadAll(src)
	if err != nil {
		metricCodecErrors.WithLabelValues("encode").Inc()
		return "", fmt.Errorf("read captured audio: %w", err)
	}
	metricEncodedBytes.Add(float64(len(b)))
	return c.text.EncodeToString(b), nil
}

func (c *Codec) EncodeBytes(b []byte) string {
	return c.text.EncodeToString(b)
}

func (c *Codec) DecodeBytes(payload string) ([]byte, error) {
	b, err := c.text.DecodeString(payload)
	if err != nil {
		metricCodecErrors.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return b, nil
}

// Decode reconstructs a playable resource from payload. The previous
// resource is released first; a payload that fails to decode leaves it
// untouched.
func (c *Codec) Decode(payload, contentType string) (Resource, error) {
	if payload == "" {
		metricCodecErrors.WithLabelValues("decode").Inc()
		return nil, ErrEmptyPayload
	}
	if c.sink == nil {
		return nil, ErrNoSink
	}
	data, err := c.DecodeBytes(payload)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	res, err := c.sink.Create(data, contentType)
	if err != nil {
		metricCodecErrors.WithLabelValues("sink").Inc()
		return nil, fmt.Errorf("create audio resource: %w", err)
	}
	c.current = res
	metricDecoded.Inc()
	return res, nil
}

// Current returns the live resource, if any.
func (c *Codec) Current() Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Release frees the live resource. Used on teardown.
func (c *Codec) Release() {
	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()
}

func (c *Codec) releaseLocked() {
	if c.current == nil {
		return
	}
	if err := c.current.Release(); err != nil {
		log.Warn().Err(err).Str("module", "audio").Str("resource", c.current.ID()).Msg("release failed")
	}
	c.current = nil
}
