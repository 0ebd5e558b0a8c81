package tokenizer

// Tokenizer defines the minimal interface used by the CLI.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Encoding is one fixed-length model input.
type Encoding struct {
	IDs  []int64
	Mask []int64
}

// Padded reports whether any position of e is padding.
func (e Encoding) Padded() bool {
	for _, m := range e.Mask {
		if m == 0 {
			return true
		}
	}
	return false
}

// Files lists the tokenizer files carried alongside a model, in the order
// they are looked up.
var Files = []string{
	"tokenizer.json",
	"vocab.txt",
	"tokenizer_config.json",
	"special_tokens_map.json",
}
