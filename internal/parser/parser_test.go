package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posnorm/internal/contracts"
)

func TestParseReceiptText_BasicQtyForms(t *testing.T) {
	t.Run("x marker", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x2")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, "鍋貼", line.NameRaw)
		assert.Equal(t, 2, line.Qty)
		assert.False(t, line.NeedsReview)
		assert.False(t, result.NeedsReview)
	})

	t.Run("star marker without spaces", func(t *testing.T) {
		result := ParseReceiptText("酸辣湯*3")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "酸辣湯", result.Lines[0].NameRaw)
		assert.Equal(t, 3, result.Lines[0].Qty)
	})

	t.Run("fen suffix", func(t *testing.T) {
		result := ParseReceiptText("小籠包 2份")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "小籠包", result.Lines[0].NameRaw)
		assert.Equal(t, 2, result.Lines[0].Qty)
	})

	t.Run("bare trailing number", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 2")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
		assert.Equal(t, 2, result.Lines[0].Qty)
	})

	t.Run("fullwidth symbols normalized", func(t *testing.T) {
		result := ParseReceiptText("鍋貼Ｘ2")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
		assert.Equal(t, 2, result.Lines[0].Qty)
	})
}

func TestParseReceiptText_QtyDefaults(t *testing.T) {
	t.Run("missing qty defaults to 1", func(t *testing.T) {
		result := ParseReceiptText("鍋貼")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, 1, line.Qty)
		assert.True(t, line.NeedsReview)
		assert.Contains(t, result.ParseWarnings, "line 0: qty missing, defaulted to 1")
	})

	t.Run("invalid qty defaults to 1", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x abc")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, 1, line.Qty)
		assert.True(t, line.NeedsReview)
		assert.Contains(t, result.ParseWarnings, "line 0: qty invalid, defaulted to 1")
	})

	t.Run("non-positive qty defaults to 1", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x-2")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, 1, line.Qty)
		assert.True(t, line.NeedsReview)
		assert.Contains(t, result.ParseWarnings, "line 0: qty must be positive, defaulted to 1")
	})
}

func TestParseReceiptText_NoiseLines(t *testing.T) {
	text := "-----\n電話: 02-12345678\n2024/01/02 12:30\n總計 360\n鍋貼 x2\n"
	result := ParseReceiptText(text)
	require.Len(t, result.Lines, 1)
	assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
	// Indices refer to the original text, not the surviving lines.
	assert.Equal(t, 4, result.Lines[0].LineIndex)
}

func TestParseReceiptText_NoisePrefixWithQtyHintKept(t *testing.T) {
	result := ParseReceiptText("時間限定鍋貼 x2")
	require.Len(t, result.Lines, 1)
	assert.Equal(t, 2, result.Lines[0].Qty)
}

func TestParseReceiptText_LeadingMarkers(t *testing.T) {
	for _, input := range []string{"1. 鍋貼 x2", "- 鍋貼 x2", "(3) 鍋貼 x2", "● 鍋貼 x2"} {
		result := ParseReceiptText(input)
		require.Len(t, result.Lines, 1, "input %q", input)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw, "input %q", input)
		assert.Equal(t, 2, result.Lines[0].Qty, "input %q", input)
	}
}

func TestParseReceiptText_Notes(t *testing.T) {
	t.Run("inline note", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x2 備註:不要辣")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, "鍋貼", line.NameRaw)
		assert.Equal(t, 2, line.Qty)
		assert.Equal(t, "不要辣", contracts.Deref(line.NoteRaw))
	})

	t.Run("parenthetical note", func(t *testing.T) {
		result := ParseReceiptText("鍋貼(加辣) x10")
		require.Len(t, result.Lines, 1)
		line := result.Lines[0]
		assert.Equal(t, "鍋貼", line.NameRaw)
		assert.Equal(t, 10, line.Qty)
		assert.Equal(t, "加辣", contracts.Deref(line.NoteRaw))
	})

	t.Run("standalone note attaches to previous line", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x2\n備註:分裝")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "分裝", contracts.Deref(result.Lines[0].NoteRaw))
	})

	t.Run("standalone note merges with existing note", func(t *testing.T) {
		result := ParseReceiptText("鍋貼(加辣) x2\n備註:分裝")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "加辣; 分裝", contracts.Deref(result.Lines[0].NoteRaw))
	})

	t.Run("standalone note with no preceding item", func(t *testing.T) {
		result := ParseReceiptText("備註:分裝")
		assert.Empty(t, result.Lines)
		assert.Contains(t, result.ParseWarnings, "line 0: standalone note with no preceding item")
		assert.True(t, result.NeedsReview)
	})
}

func TestParseReceiptText_TrailingAmount(t *testing.T) {
	t.Run("yuan suffix after qty", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x2 120元")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
		assert.Equal(t, 2, result.Lines[0].Qty)
		assert.False(t, result.Lines[0].NeedsReview)
	})

	t.Run("currency prefix", func(t *testing.T) {
		result := ParseReceiptText("鍋貼 x2 NT$120")
		require.Len(t, result.Lines, 1)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
		assert.Equal(t, 2, result.Lines[0].Qty)
	})
}

func TestParseReceiptText_LineIndexStability(t *testing.T) {
	result := ParseReceiptText("鍋貼 x2\n\n-----\n酸辣湯 x1")
	require.Len(t, result.Lines, 2)
	assert.Equal(t, 0, result.Lines[0].LineIndex)
	assert.Equal(t, 3, result.Lines[1].LineIndex)
}

func TestParseReceiptText_CRLF(t *testing.T) {
	result := ParseReceiptText("鍋貼 x2\r\n酸辣湯 x1\r\n")
	require.Len(t, result.Lines, 2)
	assert.Equal(t, "鍋貼", result.Lines[0].NameRaw)
	assert.Equal(t, "酸辣湯", result.Lines[1].NameRaw)
}

func TestParseReceiptText_UnicodeLineBoundaries(t *testing.T) {
	for _, sep := range []string{"\v", "\f", "\x1c", "\x1d", "\x1e", "\u0085", "\u2028", "\u2029"} {
		result := ParseReceiptText("鍋貼 x2" + sep + "酸辣湯 x1")
		require.Len(t, result.Lines, 2, "separator %q", sep)
		assert.Equal(t, "鍋貼", result.Lines[0].NameRaw, "separator %q", sep)
		assert.Equal(t, "酸辣湯", result.Lines[1].NameRaw, "separator %q", sep)
		assert.Equal(t, 1, result.Lines[1].LineIndex, "separator %q", sep)
	}
}

func TestParseReceiptText_EmptyInput(t *testing.T) {
	result := ParseReceiptText("")
	assert.Empty(t, result.Lines)
	assert.False(t, result.NeedsReview)
	assert.Equal(t, contracts.ContractVersion, result.Version)
}

func TestParseReceiptText_Envelope(t *testing.T) {
	result := ParseReceiptText("鍋貼 x2")
	assert.Equal(t, "鍋貼 x2", result.SourceText)
	assert.Equal(t, contracts.ContractVersion, result.Version)
	require.Contains(t, result.Metadata, "parse_errors")
	assert.Empty(t, result.Metadata["parse_errors"])
}
