package tokenizer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

// ErrNoTokenizer is returned when a directory holds no tokenizer files.
var ErrNoTokenizer = errors.New("tokenizer: no tokenizer.json or vocab.txt")

// WordPiece is a BERT-style tokenizer: BertNormalizer, BertPreTokenizer,
// greedy longest-match WordPiece and a [CLS] ... [SEP] template.
type WordPiece struct {
	encoder map[string]int
	decoder []string
	norm    normalizer
	cfg     Config
	unkID   int
	clsID   int
	sepID   int
	padID   int
}

type hfTokenizerJSON struct {
	Version    string `json:"version"`
	Truncation *struct {
		MaxLength int `json:"max_length"`
	} `json:"truncation"`
	Padding *struct {
		Strategy any    `json:"strategy"`
		PadID    int    `json:"pad_id"`
		PadToken string `json:"pad_token"`
	} `json:"padding"`
	AddedTokens []hfAddedToken `json:"added_tokens"`
	Normalizer  *struct {
		Type               string `json:"type"`
		CleanText          *bool  `json:"clean_text"`
		HandleChineseChars *bool  `json:"handle_chinese_chars"`
		StripAccents       *bool  `json:"strip_accents"`
		Lowercase          *bool  `json:"lowercase"`
	} `json:"normalizer"`
	Model struct {
		Type                    string         `json:"type"`
		UnkToken                string         `json:"unk_token"`
		ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
		MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
		Vocab                   map[string]int `json:"vocab"`
	} `json:"model"`
}

type hfAddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Load reads the tokenizer stored in dir, preferring tokenizer.json over
// vocab.txt.
func Load(dir string) (*WordPiece, error) {
	tj := filepath.Join(dir, "tokenizer.json")
	if raw, err := os.ReadFile(tj); err == nil {
		return LoadBytes(raw)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	vocab := filepath.Join(dir, "vocab.txt")
	f, err := os.Open(vocab)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoTokenizer, dir)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", vocab, err)
	}
	return New(tokens, DefaultConfig())
}

// LoadBytes parses a HuggingFace tokenizer.json with a WordPiece model.
func LoadBytes(tokJSON []byte) (*WordPiece, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "WordPiece") {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	cfg := DefaultConfig()
	if tj.Model.ContinuingSubwordPrefix != "" {
		cfg.Prefix = tj.Model.ContinuingSubwordPrefix
	}
	if tj.Model.MaxInputCharsPerWord > 0 {
		cfg.MaxInputChars = tj.Model.MaxInputCharsPerWord
	}
	if tj.Truncation != nil && tj.Truncation.MaxLength > 0 {
		cfg.MaxLength = tj.Truncation.MaxLength
	}
	if n := tj.Normalizer; n != nil {
		if n.Lowercase != nil {
			cfg.Lowercase = *n.Lowercase
		}
		cfg.StripAccents = cfg.Lowercase
		if n.StripAccents != nil {
			cfg.StripAccents = *n.StripAccents
		}
		if n.CleanText != nil {
			cfg.CleanText = *n.CleanText
		}
		if n.HandleChineseChars != nil {
			cfg.ChineseChars = *n.HandleChineseChars
		}
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	tokens := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer.json: negative id for %q", tok)
		}
		tokens[id] = tok
	}
	for _, at := range tj.AddedTokens {
		tokens[at.ID] = at.Content
	}
	w, err := New(tokens, cfg)
	if err != nil {
		return nil, err
	}
	if tj.Model.UnkToken != "" {
		id, ok := w.encoder[tj.Model.UnkToken]
		if !ok {
			return nil, fmt.Errorf("tokenizer.json: unk token %q not in vocab", tj.Model.UnkToken)
		}
		w.unkID = id
	}
	if tj.Padding != nil && tj.Padding.PadToken != "" {
		if id, ok := w.encoder[tj.Padding.PadToken]; ok {
			w.padID = id
		}
	}
	return w, nil
}

// New builds a WordPiece tokenizer from an ordered vocabulary.
func New(tokens []string, cfg Config) (*WordPiece, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "##"
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 100
	}
	w := &WordPiece{
		encoder: make(map[string]int, len(tokens)),
		decoder: slices.Clone(tokens),
		cfg:     cfg,
		norm: normalizer{
			lowercase:    cfg.Lowercase,
			stripAccents: cfg.StripAccents,
			cleanText:    cfg.CleanText,
			chineseChars: cfg.ChineseChars,
		},
	}
	for id, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, dup := w.encoder[tok]; !dup {
			w.encoder[tok] = id
		}
	}
	var err error
	if w.unkID, err = w.special(TokenUNK); err != nil {
		return nil, err
	}
	if w.clsID, err = w.special(TokenCLS); err != nil {
		return nil, err
	}
	if w.sepID, err = w.special(TokenSEP); err != nil {
		return nil, err
	}
	if w.padID, err = w.special(TokenPAD); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WordPiece) special(tok string) (int, error) {
	id, ok := w.encoder[tok]
	if !ok {
		return 0, fmt.Errorf("tokenizer: vocabulary lacks %s", tok)
	}
	return id, nil
}

// VocabSize returns the number of ids the tokenizer can produce.
func (w *WordPiece) VocabSize() int { return len(w.decoder) }

// MaxLength is the default fixed sequence length.
func (w *WordPiece) MaxLength() int { return w.cfg.MaxLength }

// PadID returns the padding token id.
func (w *WordPiece) PadID() int { return w.padID }

// Tokenize returns the WordPiece tokens for text without special tokens.
func (w *WordPiece) Tokenize(text string) []string {
	var out []string
	for _, word := range preTokenize(w.norm.normalize(text)) {
		out = append(out, w.wordPiece(word)...)
	}
	return out
}

func (w *WordPiece) wordPiece(word string) []string {
	chars := []rune(word)
	if len(chars) > w.cfg.MaxInputChars {
		return []string{w.decoder[w.unkID]}
	}
	var pieces []string
	for start := 0; start < len(chars); {
		end := len(chars)
		found := ""
		for end > start {
			sub := string(chars[start:end])
			if start > 0 {
				sub = w.cfg.Prefix + sub
			}
			if _, ok := w.encoder[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{w.decoder[w.unkID]}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// Encode returns [CLS] tokens [SEP] without truncation or padding.
func (w *WordPiece) Encode(text string) ([]int, error) {
	toks := w.Tokenize(text)
	ids := make([]int, 0, len(toks)+2)
	ids = append(ids, w.clsID)
	for _, t := range toks {
		ids = append(ids, w.encoder[t])
	}
	ids = append(ids, w.sepID)
	return ids, nil
}

// EncodeFixed encodes text truncated and right-padded to exactly seqLen
// positions, the same shape every exported graph expects. seqLen <= 0 uses
// the tokenizer's max length.
func (w *WordPiece) EncodeFixed(text string, seqLen int) (Encoding, error) {
	if seqLen <= 0 {
		seqLen = w.cfg.MaxLength
	}
	if seqLen < 2 {
		return Encoding{}, fmt.Errorf("tokenizer: sequence length %d leaves no room for [CLS] and [SEP]", seqLen)
	}
	ids, err := w.Encode(text)
	if err != nil {
		return Encoding{}, err
	}
	if len(ids) > seqLen {
		ids = append(ids[:seqLen-1], w.sepID)
	}
	enc := Encoding{
		IDs:  make([]int64, seqLen),
		Mask: make([]int64, seqLen),
	}
	for i := range seqLen {
		if i < len(ids) {
			enc.IDs[i] = int64(ids[i])
			enc.Mask[i] = 1
			continue
		}
		enc.IDs[i] = int64(w.padID)
	}
	return enc, nil
}

// Decode joins tokens back into text, skipping special tokens and merging
// continuation pieces.
func (w *WordPiece) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(w.decoder) {
			return "", fmt.Errorf("tokenizer: id %d out of range", id)
		}
		if id == w.clsID || id == w.sepID || id == w.padID {
			continue
		}
		tok := w.decoder[id]
		if rest, ok := strings.CutPrefix(tok, w.cfg.Prefix); ok {
			b.WriteString(rest)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

// MarshalJSON renders the tokenizer as a HuggingFace tokenizer.json.
func (w *WordPiece) MarshalJSON() ([]byte, error) {
	vocab := make(map[string]int, len(w.encoder))
	for tok, id := range w.encoder {
		vocab[tok] = id
	}
	var added []hfAddedToken
	for _, tok := range []string{TokenPAD, TokenUNK, TokenCLS, TokenSEP, TokenMSK} {
		if id, ok := w.encoder[tok]; ok {
			added = append(added, hfAddedToken{ID: id, Content: tok, Special: true})
		}
	}
	slices.SortFunc(added, func(a, b hfAddedToken) int { return a.ID - b.ID })

	doc := map[string]any{
		"version":      "1.0",
		"truncation":   map[string]any{"max_length": w.cfg.MaxLength, "strategy": "LongestFirst", "direction": "Right", "stride": 0},
		"padding":      map[string]any{"strategy": map[string]int{"Fixed": w.cfg.MaxLength}, "direction": "Right", "pad_id": w.padID, "pad_type_id": 0, "pad_token": w.decoder[w.padID]},
		"added_tokens": added,
		"normalizer": map[string]any{
			"type":                 "BertNormalizer",
			"clean_text":           w.cfg.CleanText,
			"handle_chinese_chars": w.cfg.ChineseChars,
			"strip_accents":        w.cfg.StripAccents,
			"lowercase":            w.cfg.Lowercase,
		},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"post_processor": map[string]any{
			"type": "BertProcessing",
			"sep":  []any{TokenSEP, w.sepID},
			"cls":  []any{TokenCLS, w.clsID},
		},
		"decoder": map[string]any{"type": "WordPiece", "prefix": w.cfg.Prefix, "cleanup": true},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 w.decoder[w.unkID],
			"continuing_subword_prefix": w.cfg.Prefix,
			"max_input_chars_per_word":  w.cfg.MaxInputChars,
			"vocab":                     vocab,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Save writes tokenizer.json and vocab.txt into dir.
func (w *WordPiece) Save(dir string) error {
	raw, err := w.MarshalJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), raw, 0o644); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, tok := range w.decoder {
		buf.WriteString(tok)
		buf.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, "vocab.txt"), buf.Bytes(), 0o644)
}
