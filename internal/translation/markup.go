package translation

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Markup wraps text in a speak document for voice in language lang. text is
// escaped; voice and lang are expected to be plain identifiers.
func Markup(lang, voice, text string) string {
	var esc bytes.Buffer
	_ = xml.EscapeText(&esc, []byte(text))

	var b strings.Builder
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' ")
	b.WriteString("xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='")
	b.WriteString(attr(lang))
	b.WriteString("'><voice name='")
	b.WriteString(attr(voice))
	b.WriteString("'><mstts:leadingsilence-exact value='0'/>")
	b.Write(esc.Bytes())
	b.WriteString("</voice></speak>")
	return b.String()
}

// attr strips characters that would end a single-quoted attribute.
func attr(s string) string {
	return strings.NewReplacer("'", "", "<", "", ">", "", "&", "").Replace(s)
}

// PrimarySubtag returns the language part of tag, the text before the
// first dash.
func PrimarySubtag(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return lang
}
