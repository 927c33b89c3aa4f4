package codec

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAlphabetEncodeDecode(t *testing.T) {
	c, err := FromAlphabet([]string{"a", "b", "c", " "})
	require.NoError(t, err)

	assert.Equal(t, 4, c.MaxLabel())
	assert.Equal(t, 4, c.Len())

	classes, err := c.Encode("cab a")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2, 4, 1}, classes)

	labels := []Label{
		{Class: 3, Start: 0, End: 2, Confidence: 0.9},
		{Class: 1, Start: 4, End: 4, Confidence: 0.8},
	}
	segments, err := c.Decode(labels)
	require.NoError(t, err)

	want := []Segment{
		{Text: "c", Start: 0, End: 2, Confidence: 0.9},
		{Text: "a", Start: 4, End: 4, Confidence: 0.8},
	}
	if diff := cmp.Diff(want, segments); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiClassCodes(t *testing.T) {
	c, err := New(map[string][]int{
		"a":  {1},
		"b":  {2},
		"ch": {3},
		"ä":  {1, 4},
	})
	require.NoError(t, err)

	classes, err := c.Encode("chäb")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 4, 2}, classes)

	segments, err := c.Decode([]Label{
		{Class: 1, Start: 0, End: 1, Confidence: 0.5},
		{Class: 4, Start: 2, End: 3, Confidence: 1.0},
		{Class: 1, Start: 5, End: 5, Confidence: 0.7},
	})
	require.NoError(t, err)

	want := []Segment{
		{Text: "ä", Start: 0, End: 3, Confidence: 0.75},
		{Text: "a", Start: 5, End: 5, Confidence: 0.7},
	}
	if diff := cmp.Diff(want, segments); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestLongestLabelWins(t *testing.T) {
	c, err := New(map[string][]int{"c": {1}, "h": {2}, "ch": {3}})
	require.NoError(t, err)

	classes, err := c.Encode("chc")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, classes)
}

func TestEncodeErrors(t *testing.T) {
	c, err := FromAlphabet([]string{"a"})
	require.NoError(t, err)

	_, err = c.Encode("ab")
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestDecodeUnknownClass(t *testing.T) {
	c, err := FromAlphabet([]string{"a"})
	require.NoError(t, err)

	_, err = c.Decode([]Label{{Class: 7, Start: 3, End: 3}})
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestInvalidCodecs(t *testing.T) {
	tests := []struct {
		name  string
		codes []Code
	}{
		{"empty", nil},
		{"blank class", []Code{{Label: "a", Classes: []int{0}}}},
		{"empty label", []Code{{Label: "", Classes: []int{1}}}},
		{"no classes", []Code{{Label: "a"}}},
		{"ambiguous", []Code{{Label: "a", Classes: []int{1}}, {Label: "b", Classes: []int{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromCodes(tt.codes)
			assert.ErrorIs(t, err, ErrInvalidCodec)
		})
	}
}

func TestFromClassesDuplicates(t *testing.T) {
	// Legacy tables may repeat a character; both classes decode to it.
	c, err := FromClasses([]string{"", "a", "b", "", "a"})
	require.NoError(t, err)

	assert.Equal(t, 4, c.MaxLabel())
	assert.Equal(t, []string{"a", "b"}, c.Alphabet())

	classes, err := c.Encode("a")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, classes)

	segments, err := c.Decode([]Label{{Class: 4}, {Class: 2}})
	require.NoError(t, err)
	assert.Equal(t, "a", segments[0].Text)
	assert.Equal(t, "b", segments[1].Text)
}

func TestJSONRoundTrip(t *testing.T) {
	c, err := New(map[string][]int{"x": {2}, "y": {1}, "xy": {1, 2}})
	require.NoError(t, err)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var restored Codec
	require.NoError(t, json.Unmarshal(data, &restored))

	if diff := cmp.Diff(c.Codes(), restored.Codes()); diff != "" {
		t.Errorf("codes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "y", restored.Codes()[0].Label, "codes are ordered by class sequence")
}
