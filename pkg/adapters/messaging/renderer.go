// Package messaging defines the contract every chat/adapter surface
// implements to turn a portable approval.UISchema into a
// platform-native message. Rendering itself is an out-of-core adapter
// concern; this package only fixes the shape adapters conform to.
package messaging

import "github.com/evalgo/approvalflow/pkg/approval"

// Message is a platform-agnostic rendered message: a human-readable
// fallback and an opaque platform payload (Slack blocks, a Teams
// adaptive card, etc) the adapter's transport layer ships as-is.
type Message struct {
	Fallback string
	Payload  any
}

// Renderer turns an approval's UISchema plus its callback URL into a
// Message for one specific platform. CallbackURL already embeds the
// approval's signed token; renderers never see the raw token or
// signing key.
type Renderer interface {
	Render(a *approval.Approval, callbackURL string) (Message, error)
}
