// Package codec maps between network output classes and label text.
//
// Class 0 is reserved for the CTC blank and never carries a label. A label
// (usually one grapheme, but any non-empty string) maps to a non-empty
// sequence of classes, so both directions use longest-match segmentation.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Codec errors.
var (
	ErrUnknownLabel = errors.New("class sequence not in codec")
	ErrUnencodable  = errors.New("text not encodable by codec")
	ErrInvalidCodec = errors.New("invalid codec")
)

// Label is a decoded span of network output: a class with the first and
// last output column it covers and a confidence score.
type Label struct {
	Class      int
	Start      int
	End        int
	Confidence float32
}

// Segment is a span of output translated to text.
type Segment struct {
	Text       string
	Start      int
	End        int
	Confidence float32
}

// Code is a single codec entry.
type Code struct {
	Label   string `json:"label"`
	Classes []int  `json:"classes"`
}

// Codec translates labels to class sequences and back.
type Codec struct {
	codes      []Code
	c2l        map[string][]int  // label -> classes
	l2c        map[string]string // joined classes -> label
	maxLabel   int               // highest class index in use
	maxRunes   int               // longest label in runes
	maxClasses int               // longest class sequence
}

// New builds a codec from label -> class sequence pairs.
func New(mapping map[string][]int) (*Codec, error) {
	codes := make([]Code, 0, len(mapping))
	for label, classes := range mapping {
		codes = append(codes, Code{Label: label, Classes: classes})
	}
	return FromCodes(codes)
}

// FromAlphabet assigns class i+1 to symbol i.
func FromAlphabet(symbols []string) (*Codec, error) {
	codes := make([]Code, 0, len(symbols))
	for i, s := range symbols {
		codes = append(codes, Code{Label: s, Classes: []int{i + 1}})
	}
	return FromCodes(codes)
}

// FromClasses builds a codec from a class-indexed table where classes[i] is
// the label of class i. Entry 0 (blank) and empty entries are skipped. When a
// label appears more than once, every class decodes to it and encoding uses
// the lowest class.
func FromClasses(classes []string) (*Codec, error) {
	codes := make([]Code, 0, len(classes))
	for i := 1; i < len(classes); i++ {
		if classes[i] == "" {
			continue
		}
		codes = append(codes, Code{Label: classes[i], Classes: []int{i}})
	}
	return FromCodes(codes)
}

// FromCodes builds a codec from explicit entries.
func FromCodes(codes []Code) (*Codec, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no codes", ErrInvalidCodec)
	}

	c := &Codec{
		c2l: make(map[string][]int, len(codes)),
		l2c: make(map[string]string, len(codes)),
	}

	sorted := make([]Code, len(codes))
	copy(sorted, codes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessClasses(sorted[i].Classes, sorted[j].Classes)
	})

	for _, code := range sorted {
		if code.Label == "" {
			return nil, fmt.Errorf("%w: empty label", ErrInvalidCodec)
		}
		if len(code.Classes) == 0 {
			return nil, fmt.Errorf("%w: label %q has no classes", ErrInvalidCodec, code.Label)
		}
		for _, cls := range code.Classes {
			if cls <= 0 {
				return nil, fmt.Errorf("%w: label %q uses class %d (blank or negative)", ErrInvalidCodec, code.Label, cls)
			}
			if cls > c.maxLabel {
				c.maxLabel = cls
			}
		}

		key := classKey(code.Classes)
		if prev, ok := c.l2c[key]; ok {
			return nil, fmt.Errorf("%w: classes %v assigned to both %q and %q", ErrInvalidCodec, code.Classes, prev, code.Label)
		}
		c.l2c[key] = code.Label
		if _, ok := c.c2l[code.Label]; !ok {
			c.c2l[code.Label] = append([]int(nil), code.Classes...)
		}

		if n := utf8.RuneCountInString(code.Label); n > c.maxRunes {
			c.maxRunes = n
		}
		if len(code.Classes) > c.maxClasses {
			c.maxClasses = len(code.Classes)
		}
		c.codes = append(c.codes, Code{Label: code.Label, Classes: append([]int(nil), code.Classes...)})
	}

	return c, nil
}

// MaxLabel returns the highest class index used by the codec.
// A network using this codec needs at least MaxLabel()+1 outputs.
func (c *Codec) MaxLabel() int {
	return c.maxLabel
}

// Len returns the number of codec entries.
func (c *Codec) Len() int {
	return len(c.codes)
}

// Codes returns the entries ordered by class sequence.
func (c *Codec) Codes() []Code {
	out := make([]Code, len(c.codes))
	for i, code := range c.codes {
		out[i] = Code{Label: code.Label, Classes: append([]int(nil), code.Classes...)}
	}
	return out
}

// Alphabet returns the distinct labels ordered by class sequence.
func (c *Codec) Alphabet() []string {
	seen := make(map[string]bool, len(c.codes))
	out := make([]string, 0, len(c.codes))
	for _, code := range c.codes {
		if !seen[code.Label] {
			seen[code.Label] = true
			out = append(out, code.Label)
		}
	}
	return out
}

// Encode converts text into a class sequence using longest-prefix matching.
func (c *Codec) Encode(s string) ([]int, error) {
	runes := []rune(s)
	var out []int

	for i := 0; i < len(runes); {
		matched := false
		for n := min(c.maxRunes, len(runes)-i); n > 0; n-- {
			if classes, ok := c.c2l[string(runes[i:i+n])]; ok {
				out = append(out, classes...)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: %q at offset %d", ErrUnencodable, string(runes[i]), i)
		}
	}

	return out, nil
}

// Decode converts decoder output into text segments. Consecutive labels are
// merged when their classes form a multi-class code; the merged segment spans
// from the first start to the last end with the mean confidence.
func (c *Codec) Decode(labels []Label) ([]Segment, error) {
	out := make([]Segment, 0, len(labels))

	for i := 0; i < len(labels); {
		matched := false
		for n := min(c.maxClasses, len(labels)-i); n > 0; n-- {
			classes := make([]int, n)
			var conf float32
			for j := 0; j < n; j++ {
				classes[j] = labels[i+j].Class
				conf += labels[i+j].Confidence
			}
			text, ok := c.l2c[classKey(classes)]
			if !ok {
				continue
			}
			out = append(out, Segment{
				Text:       text,
				Start:      labels[i].Start,
				End:        labels[i+n-1].End,
				Confidence: conf / float32(n),
			})
			i += n
			matched = true
			break
		}
		if !matched {
			return nil, fmt.Errorf("%w: class %d at column %d", ErrUnknownLabel, labels[i].Class, labels[i].Start)
		}
	}

	return out, nil
}

// MarshalJSON encodes the codec as its ordered entry list.
func (c *Codec) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Codes []Code `json:"codes"`
	}{Codes: c.codes})
}

// UnmarshalJSON restores a codec written by MarshalJSON.
func (c *Codec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Codes []Code `json:"codes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse codec JSON: %w", err)
	}
	decoded, err := FromCodes(raw.Codes)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

func classKey(classes []int) string {
	parts := make([]string, len(classes))
	for i, cls := range classes {
		parts[i] = strconv.Itoa(cls)
	}
	return strings.Join(parts, ",")
}

func lessClasses(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
