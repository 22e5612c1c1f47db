// Package tensor maps each graph tensor to a single TensorRole, once, so
// the rest of the driver never re-sniffs tensor names by substring match.
package tensor

import "fmt"

// Kind is the tag of a TensorRole sum type.
type Kind int

const (
	KindTokenInput Kind = iota
	KindPositionInput
	KindAttentionMask
	KindKCacheInput
	KindVCacheInput
	KindKCacheOutput
	KindVCacheOutput
	KindLogits
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindTokenInput:
		return "TokenInput"
	case KindPositionInput:
		return "PositionInput"
	case KindAttentionMask:
		return "AttentionMask"
	case KindKCacheInput:
		return "KCacheInput"
	case KindVCacheInput:
		return "VCacheInput"
	case KindKCacheOutput:
		return "KCacheOutput"
	case KindVCacheOutput:
		return "VCacheOutput"
	case KindLogits:
		return "Logits"
	default:
		return "Opaque"
	}
}

// Role is the classified role of one tensor. Layer and Head are only
// meaningful when Kind is one of the four cache kinds.
type Role struct {
	Kind Kind
	Layer int
	Head  int
}

func (r Role) String() string {
	switch r.Kind {
	case KindKCacheInput, KindVCacheInput, KindKCacheOutput, KindVCacheOutput:
		return fmt.Sprintf("%s(layer=%d,head=%d)", r.Kind, r.Layer, r.Head)
	default:
		return r.Kind.String()
	}
}

// IsCache reports whether r refers to a per-(layer,head) K or V cache slot.
func (r Role) IsCache() bool {
	switch r.Kind {
	case KindKCacheInput, KindVCacheInput, KindKCacheOutput, KindVCacheOutput:
		return true
	default:
		return false
	}
}
