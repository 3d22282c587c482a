package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type bodyKind int

const (
	kindText bodyKind = iota
	kindJSON
	kindHTML
)

func classifyContentType(contentType string) bodyKind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch {
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return kindJSON
	case mt == "text/html", mt == "application/xhtml+xml":
		return kindHTML
	}
	return kindText
}

// decode parses a success body according to its declared content type.
// An empty body decodes to nil.
func decode(contentType string, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	switch classifyContentType(contentType) {
	case kindJSON:
		return decodeJSON(raw)
	case kindHTML:
		return htmlText(raw), nil
	}
	return string(raw), nil
}

// decodeLenient is decode for error bodies: anything that fails to parse
// comes back as the raw string.
func decodeLenient(contentType string, raw []byte) any {
	data, err := decode(contentType, raw)
	if err != nil {
		return string(raw)
	}
	return data
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value at offset %d", dec.InputOffset())
	}
	return v, nil
}

// skipElements hold no text a reader would want.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Svg:      true,
}

// htmlText reduces an HTML page (typically a proxy or framework error
// page) to its readable text so the model is not fed markup.
func htmlText(raw []byte) string {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4,
		atom.Li, atom.Tr, atom.Pre, atom.Br, atom.Hr, atom.Title:
		return true
	}
	return false
}
