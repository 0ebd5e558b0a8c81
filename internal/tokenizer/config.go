package tokenizer

// Special token strings used by BERT-style vocabularies.
const (
	TokenCLS = "[CLS]"
	TokenSEP = "[SEP]"
	TokenPAD = "[PAD]"
	TokenUNK = "[UNK]"
	TokenMSK = "[MASK]"
)

// Config controls normalisation and the fixed input length.
type Config struct {
	Lowercase     bool
	StripAccents  bool
	CleanText     bool
	ChineseChars  bool
	Prefix        string
	MaxInputChars int
	MaxLength     int
}

// DefaultConfig matches an uncased BERT tokenizer.
func DefaultConfig() Config {
	return Config{
		Lowercase:     true,
		StripAccents:  true,
		CleanText:     true,
		ChineseChars:  true,
		Prefix:        "##",
		MaxInputChars: 100,
		MaxLength:     128,
	}
}
