package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeHanSingleChar(t *testing.T) {
	tokens := Tokenize("过境免签")
	assert.Equal(t, []string{"过", "境", "免", "签"}, tokens)
}

func TestTokenizeMixedScript(t *testing.T) {
	tokens := Tokenize("乘坐CA123航班需要API数据吗")
	assert.Equal(t, []string{"乘", "坐", "ca123", "航", "班", "需", "要", "api", "数", "据"}, tokens)
}

func TestTokenizeLowercasesRuns(t *testing.T) {
	tokens := Tokenize("Schengen VISA 2024")
	assert.Equal(t, []string{"schengen", "visa", "2024"}, tokens)
}

func TestTokenizeDropsStopwords(t *testing.T) {
	tokens := Tokenize("我的护照在哪里 the passport")
	assert.NotContains(t, tokens, "的")
	assert.NotContains(t, tokens, "我")
	assert.NotContains(t, tokens, "the")
	assert.Contains(t, tokens, "passport")
	assert.Contains(t, tokens, "护")
}

func TestTokenizePunctuationDelimits(t *testing.T) {
	tokens := Tokenize("visa-free, transit!")
	assert.Equal(t, []string{"visa", "free", "transit"}, tokens)
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("!!! ... ---"))
}
