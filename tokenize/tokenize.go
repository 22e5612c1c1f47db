// Package tokenize declares the boundary contract to the tokenizer
// collaborator. Tokenization itself is out of this module's scope; shardrun
// only needs encode/decode to turn a prompt into token ids and a generated
// token sequence back into text.
package tokenize

import "fmt"

// Tokenizer turns text into token ids and back. addBOS prefixes a
// beginning-of-sequence token when the model expects one; parseSpecial
// lets special tokens in the raw prompt text (e.g. "<|user|>") be
// recognized as single ids instead of being split into sub-word pieces.
type Tokenizer interface {
	Encode(prompt string, addBOS, parseSpecial bool) ([]int32, error)
	Decode(ids []int32) (string, error)
}

// providers holds one Tokenizer factory per tokenizer format, registered by
// a format-specific implementation package at init time, the same seam
// accel and shardmeta use for their external collaborators.
var providers = make(map[string]func(path string) (Tokenizer, error))

// RegisterProvider registers a Tokenizer factory under name.
func RegisterProvider(name string, f func(path string) (Tokenizer, error)) {
	if _, ok := providers[name]; ok {
		panic("tokenize: provider already registered: " + name)
	}
	providers[name] = f
}

// New constructs the named Tokenizer from the resource at path. Returns an
// error if no provider of that name has been registered.
func New(name, path string) (Tokenizer, error) {
	f, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("tokenize: no provider registered under %q", name)
	}
	return f(path)
}
