package assets

import "strings"

// Charsets reported alongside a MIME type.
const (
	CharsetUTF8   = "UTF-8"
	CharsetBinary = "binary"
)

// ContentType is the response framing for a resource.
type ContentType struct {
	MIMEType string
	Charset  string
}

// Header renders the value for a Content-Type header. Binary payloads carry
// no charset parameter.
func (c ContentType) Header() string {
	if c.Charset == CharsetBinary || c.Charset == "" {
		return c.MIMEType
	}
	return c.MIMEType + "; charset=" + c.Charset
}

// OctetStream is returned for every unknown suffix.
var OctetStream = ContentType{MIMEType: "application/octet-stream", Charset: CharsetBinary}

// suffixTypes is matched case-sensitively, in order.
var suffixTypes = []struct {
	suffix string
	ct     ContentType
}{
	{".json", ContentType{"application/json", CharsetUTF8}},
	{".html", ContentType{"text/html", CharsetUTF8}},
	{".js", ContentType{"application/javascript", CharsetUTF8}},
	{".wasm", ContentType{"application/wasm", CharsetBinary}},
	{".css", ContentType{"text/css", CharsetUTF8}},
	{".png", ContentType{"image/png", CharsetBinary}},
	{".jpg", ContentType{"image/jpeg", CharsetBinary}},
	{".jpeg", ContentType{"image/jpeg", CharsetBinary}},
}

// Classify maps an identifier's suffix to its content type.
func Classify(id Identifier) ContentType {
	s := string(id)
	for _, entry := range suffixTypes {
		if strings.HasSuffix(s, entry.suffix) {
			return entry.ct
		}
	}
	return OctetStream
}
