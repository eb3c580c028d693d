package schemas

import "context"

// -- Page Adapter Interface --

// PageAdapter is the capability surface a page integration must expose for the
// interaction machine to drive it. Implementations own all page-specific
// selector knowledge; the machine only sequences the calls. Element handles
// located by an implementation are tied to the current interaction and must be
// dropped on Reset; the next locate pass performs a fresh lookup.
type PageAdapter interface {
	// LocateElements finds the prompt input and submit control on the page.
	LocateElements(ctx context.Context) error
	// TypePrompt writes text into the located prompt input.
	TypePrompt(ctx context.Context, text string) error
	// Submit activates the located submit control.
	Submit(ctx context.Context) error
	// LatestResponseContainer returns an opaque identity for the newest
	// response container on the page, or "" when none exists yet.
	LatestResponseContainer(ctx context.Context) (string, error)
	// ExtractText returns the text content of the newest response container.
	ExtractText(ctx context.Context) (string, error)
	// HasImage reports whether the newest response container holds an image.
	HasImage(ctx context.Context) (bool, error)
	// ExtractImageURL returns the source URL of the newest response image.
	ExtractImageURL(ctx context.Context) (string, error)
	// PageURL returns the URL the page is currently on.
	PageURL(ctx context.Context) (string, error)
	// Reset discards any element handles held for the current interaction.
	Reset()
}

// -- Transport Interface --

// Channel is a bidirectional message channel to the controller. It owns its
// own reconnect policy: an unexpected close triggers a delayed redial, a
// manual Disconnect suppresses it.
type Channel interface {
	// Connect dials the controller and starts the read/write pumps.
	Connect(ctx context.Context, url string) error
	// Disconnect closes the connection and suppresses reconnection.
	Disconnect()
	// Send marshals and queues a message for delivery.
	Send(msg interface{}) error
	// Connected reports whether the channel currently holds a live connection.
	Connected() bool
}
