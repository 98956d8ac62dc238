package bridge

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

func testFrame(ts int64) *frame.State {
	return &frame.State{
		View:       frame.View{Center: orb.Point{1, 2}, Resolution: 10, Projection: frame.DefaultProjection},
		PixelRatio: 1,
		Size:       [2]int{10, 10},
		Timestamp:  ts,
	}
}

func renderMessage(ts int64) *Message {
	return &Message{
		Action: ActionRender,
		Frame:  testFrame(ts),
		Source: &source.Config{Type: source.TypeGeoJSON, Data: []byte(`{"type":"Point","coordinates":[0,0]}`)},
	}
}

func TestValidate(t *testing.T) {
	m := affine.Identity()
	tests := []struct {
		name string
		msg  *Message
		ok   bool
	}{
		{"render", renderMessage(1), true},
		{"renderNoFrame", &Message{Action: ActionRender, Source: &source.Config{}}, false},
		{"renderBadFrame", &Message{Action: ActionRender, Frame: &frame.State{}, Source: &source.Config{}}, false},
		{"renderNoSource", &Message{Action: ActionRender, Frame: testFrame(1)}, false},
		{"rendered", &Message{Action: ActionRendered, Frame: testFrame(1), Transform: &m, Bitmap: image.NewRGBA(image.Rect(0, 0, 1, 1))}, true},
		{"renderedNoBitmap", &Message{Action: ActionRendered, Frame: testFrame(1), Transform: &m}, false},
		{"requestRender", &Message{Action: ActionRequestRender}, true},
		{"loadImage", &Message{Action: ActionLoadImage, Src: "a.png"}, true},
		{"loadImageNoSrc", &Message{Action: ActionLoadImage}, false},
		{"imageLoadedError", &Message{Action: ActionImageLoaded, Src: "a.png", Error: "404"}, true},
		{"imageLoadedEmpty", &Message{Action: ActionImageLoaded, Src: "a.png"}, false},
		{"close", &Message{Action: ActionClose}, true},
		{"unknown", &Message{Action: "paint"}, false},
		{"empty", &Message{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, data := range []string{`not json`, `{"action":"paint"}`, `{"action":"render"}`} {
		if _, err := Decode([]byte(data), nil); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol for %s, got %v", data, err)
		}
	}
}

func TestEnvelopeForm(t *testing.T) {
	m := affine.Translate(1, 2)
	data, err := Encode(&Message{Action: ActionRendered, Frame: testFrame(5), Transform: &m, Bitmap: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Frame.Timestamp != 5 || got.Frame.View.Projection != frame.DefaultProjection {
		t.Fatalf("unexpected frame %+v", got.Frame)
	}
	if *got.Transform != m {
		t.Fatalf("expected %v, got %v", m, *got.Transform)
	}
}

func TestSendIsolatesAndTransfers(t *testing.T) {
	host, worker := NewPipe(4)
	ctx := context.Background()

	msg := renderMessage(7)
	if err := host.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	// mutating after send must not reach the receiver
	msg.Frame.Timestamp = 99

	got, err := worker.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Frame.Timestamp != 7 {
		t.Fatalf("expected timestamp 7, got %d", got.Frame.Timestamp)
	}

	bitmap := image.NewRGBA(image.Rect(0, 0, 2, 2))
	m := affine.Identity()
	out := &Message{Action: ActionRendered, Frame: testFrame(7), Transform: &m, Bitmap: bitmap}
	if err := worker.Send(ctx, out); err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Bitmap != nil {
		t.Fatal("expected the sender to lose the bitmap")
	}
	rendered, ok, err := host.Poll()
	if err != nil || !ok {
		t.Fatalf("poll: %v %v", ok, err)
	}
	if rendered.Bitmap != bitmap {
		t.Fatal("expected the same bitmap to arrive")
	}
}

func TestSendRejectsInvalid(t *testing.T) {
	host, _ := NewPipe(1)
	bitmap := image.NewRGBA(image.Rect(0, 0, 1, 1))
	msg := &Message{Action: ActionRendered, Bitmap: bitmap}
	if err := host.Send(context.Background(), msg); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if msg.Bitmap != bitmap {
		t.Fatal("a rejected message keeps its bitmap")
	}
}

func TestOrderingAndBackpressure(t *testing.T) {
	host, worker := NewPipe(2)
	for i := int64(1); i <= 2; i++ {
		if err := host.TrySend(renderMessage(i)); err != nil {
			t.Fatalf("try send %d: %v", i, err)
		}
	}
	if err := host.TrySend(renderMessage(3)); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := host.Send(ctx, renderMessage(3)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	for want := int64(1); want <= 2; want++ {
		m, ok, err := worker.Poll()
		if err != nil || !ok {
			t.Fatalf("poll: %v %v", ok, err)
		}
		if m.Frame.Timestamp != want {
			t.Fatalf("expected timestamp %d, got %d", want, m.Frame.Timestamp)
		}
	}
	if _, ok, _ := worker.Poll(); ok {
		t.Fatal("expected nothing waiting")
	}

	host.Close()
	if _, ok, err := worker.Poll(); ok || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v %v", ok, err)
	}
	if err := host.TrySend(renderMessage(4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}
