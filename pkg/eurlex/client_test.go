package eurlex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCelexKnownNames(t *testing.T) {
	cases := map[string]string{
		"gdpr":   "32016R0679",
		"GDPR":   "32016R0679",
		" nis2 ": "32022L2555",
		"ai_act": "32024R1689",
		"csrd":   "32022L2464",
	}
	for input, want := range cases {
		celex, ok := ResolveCelex(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, want, celex)
	}
}

func TestResolveCelexPassesThroughRawCelex(t *testing.T) {
	celex, ok := ResolveCelex("32016r0679")
	require.True(t, ok)
	assert.Equal(t, "32016R0679", celex)
}

func TestResolveCelexRejectsUnknown(t *testing.T) {
	for _, input := range []string{"", "hipaa", "gdpr!", "1234", "article 33"} {
		_, ok := ResolveCelex(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestOfficialURLPointsAtEnglishText(t *testing.T) {
	url := OfficialURL("32016R0679")
	assert.Equal(t, "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=CELEX:32016R0679", url)
}

func TestExtractTitle(t *testing.T) {
	head := `<html><head><TITLE> Regulation (EU) 2016/679 </TITLE></head>`
	assert.Equal(t, "Regulation (EU) 2016/679", extractTitle(head))

	assert.Equal(t, "", extractTitle("<html><head></head>"))
	assert.Equal(t, "", extractTitle("<title>unterminated"))
}
