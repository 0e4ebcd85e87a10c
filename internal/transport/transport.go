// Package transport abstracts the messaging surface. The engine and the
// dispatcher talk to a Messenger; the wsbridge subpackage implements it
// over a WebSocket bridge process that holds the chat credentials.
package transport

import (
	"context"

	"github.com/wartabot/wartabot/pkg/wire"
)

// Messenger is the capability set the bot needs from the chat platform.
type Messenger interface {
	// SendText delivers plain text to the target chat.
	SendText(ctx context.Context, target, text string) error

	// SendImage delivers the image file at path with an optional caption.
	SendImage(ctx context.Context, target, path, caption string) error

	// ListGroups enumerates joined chats.
	ListGroups(ctx context.Context) ([]wire.Group, error)

	// DownloadMedia fetches one attachment of the referenced message.
	DownloadMedia(ctx context.Context, messageRef string, index int) ([]byte, string, error)

	// Events yields incoming operator messages. The channel closes when
	// the transport shuts down.
	Events() <-chan wire.IncomingMessage
}
