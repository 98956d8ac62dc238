// Package bridge carries render requests and rendered bitmaps between the
// host and a background render context. Envelopes are serialized to JSON
// so the receiver never shares memory with the sender; bitmaps travel
// beside the envelope and change owner on send.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Action names a message kind.
type Action string

const (
	// ActionRender asks the context to render a frame (host → context).
	ActionRender Action = "render"
	// ActionRequestRender asks the host for a new frame (context → host).
	ActionRequestRender Action = "requestRender"
	// ActionRendered delivers a bitmap (context → host).
	ActionRendered Action = "rendered"
	// ActionLoadImage asks the host to decode an image (context → host).
	ActionLoadImage Action = "loadImage"
	// ActionImageLoaded delivers a decoded image (host → context).
	ActionImageLoaded Action = "imageLoaded"
	// ActionClose shuts the context down (host → context).
	ActionClose Action = "close"
)

// ErrProtocol is returned for envelopes that cannot be acted upon.
var ErrProtocol = errors.New("bridge: protocol error")

// Message is one envelope.
type Message struct {
	Action    Action         `json:"action"`
	Frame     *frame.State   `json:"frameState,omitempty"`
	Style     *render.Style  `json:"style,omitempty"`
	Source    *source.Config `json:"sourceConfig,omitempty"`
	Transform *affine.Matrix `json:"transform,omitempty"`
	Src       string         `json:"src,omitempty"`
	Error     string         `json:"error,omitempty"`

	// Bitmap is transferred, not serialized.
	Bitmap *image.RGBA `json:"-"`
}

// Transfer hands the bitmap over and drops the message's reference to it.
func (m *Message) Transfer() *image.RGBA {
	b := m.Bitmap
	m.Bitmap = nil
	return b
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Validate checks that the message carries the fields its action needs.
func (m *Message) Validate() error {
	switch m.Action {
	case ActionRender:
		if m.Frame == nil {
			return protocolError("render without frameState")
		}
		if err := m.Frame.Validate(); err != nil {
			return protocolError("render: %v", err)
		}
		if m.Source == nil {
			return protocolError("render without sourceConfig")
		}
	case ActionRendered:
		if m.Frame == nil || m.Transform == nil {
			return protocolError("rendered without frameState or transform")
		}
		if m.Bitmap == nil {
			return protocolError("rendered without bitmap")
		}
	case ActionLoadImage:
		if m.Src == "" {
			return protocolError("loadImage without src")
		}
	case ActionImageLoaded:
		if m.Src == "" {
			return protocolError("imageLoaded without src")
		}
		if m.Bitmap == nil && m.Error == "" {
			return protocolError("imageLoaded without bitmap")
		}
	case ActionRequestRender, ActionClose:
	case "":
		return protocolError("missing action")
	default:
		return protocolError("unknown action %q", m.Action)
	}
	return nil
}

// Encode serializes the envelope. The bitmap is not included.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates an envelope; bitmap is attached before
// validation.
func Decode(data []byte, bitmap *image.RGBA) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	m.Bitmap = bitmap
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
