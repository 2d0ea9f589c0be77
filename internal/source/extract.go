package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractText converts a verified source's raw bytes to plain text suitable
// for chunking. HTML is reduced to its visible text, JSON is pretty-printed,
// PDF is decoded page text, and everything else is passed through verbatim.
func ExtractText(vs VerifiedSource) (string, error) {
	payload := vs.Payload()
	contentType := strings.ToLower(payload.ContentType)
	ext := strings.ToLower(filepath.Ext(vs.Source().Path))

	switch {
	case strings.Contains(contentType, "text/html") || ext == ".html" || ext == ".htm":
		return htmlToText(payload.Body)
	case strings.Contains(contentType, "application/json") || ext == ".json":
		return jsonToText(payload.Body)
	case strings.Contains(contentType, "application/pdf") || ext == ".pdf":
		return pdfToText(payload.Body)
	default:
		return string(payload.Body), nil
	}
}

// htmlToText walks the parsed document collecting text nodes, skipping
// script and style subtrees, one line per node.
func htmlToText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				lines = append(lines, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(lines, "\n"), nil
}

func jsonToText(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("parsing json: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting json: %w", err)
	}
	return string(out), nil
}

func pdfToText(body []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
