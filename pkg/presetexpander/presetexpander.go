// Package presetexpander turns a Preset plus the inbound client messages
// into the final message list sent to the upstream (SPEC_FULL.md §4.3).
package presetexpander

import (
	"time"

	"github.com/wisbric/novarelay/pkg/store"
	"github.com/wisbric/novarelay/pkg/varengine"
)

// Message is one entry of the final message list, mirroring the inbound
// client schema ({role, content}).
type Message struct {
	Role    string
	Content string
}

// Expander walks a Preset's items in sort order and builds the final
// message list.
type Expander struct {
	varEngine *varengine.Engine
}

// New creates a PresetExpander.
func New(varEngine *varengine.Engine) *Expander {
	return &Expander{varEngine: varEngine}
}

// Expand returns the final message list. When preset is nil the inbound
// messages are returned unchanged (SPEC_FULL.md §4.3: "When the
// authenticating TenantKey has no Preset, the expander returns the inbound
// message list unchanged.").
//
// seed and now parameterize the VarEngine's per-request scope.
func (x *Expander) Expand(preset *store.Preset, inbound []Message, seed uint64, now time.Time) []Message {
	if preset == nil {
		return append([]Message(nil), inbound...)
	}

	scope := varengine.NewScope(seed, now)
	lastUserIdx := lastUserMessageIndex(inbound)

	var out []Message
	sawUserInput := false

	for _, item := range preset.Items {
		if !item.Enabled {
			continue
		}
		switch item.Type {
		case store.ItemTypeNormal:
			out = append(out, Message{
				Role:    string(item.Role),
				Content: x.varEngine.Expand(item.Content, scope),
			})

		case store.ItemTypeUserInput:
			sawUserInput = true
			if lastUserIdx >= 0 {
				out = append(out, Message{Role: "user", Content: inbound[lastUserIdx].Content})
			}

		case store.ItemTypeHistory:
			for i, m := range inbound {
				if i == lastUserIdx {
					continue
				}
				out = append(out, Message{Role: m.Role, Content: m.Content})
			}
		}
	}

	if !sawUserInput && lastUserIdx >= 0 {
		out = append(out, Message{Role: "user", Content: inbound[lastUserIdx].Content})
	}

	return out
}

// lastUserMessageIndex returns the index of the last message with role
// "user", or -1 if there is none.
func lastUserMessageIndex(inbound []Message) int {
	for i := len(inbound) - 1; i >= 0; i-- {
		if inbound[i].Role == "user" {
			return i
		}
	}
	return -1
}
