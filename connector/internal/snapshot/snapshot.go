// Package snapshot post-processes stored page snapshots. For every snapshot
// the ingester writes, a best-effort sidecar pipeline extracts the document
// title, sanitizes the markup, and converts it to markdown next to the HTML
// so downstream consumers get a text rendition for free.
//
// Sidecar failures are logged and never affect the capture protocol response
// or session state.
package snapshot

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Processor converts snapshot HTML into a markdown sidecar.
type Processor struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
	logger    *slog.Logger
}

// NewProcessor creates a Processor with the UGC sanitization policy.
func NewProcessor(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Title extracts the document <title>, trimmed. Empty when absent.
func Title(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}
	return findTitle(doc)
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// Markdown sanitizes content and converts it to markdown.
func (p *Processor) Markdown(content []byte) (string, error) {
	clean := p.policy.SanitizeBytes(content)
	md, err := p.converter.ConvertString(string(clean))
	if err != nil {
		return "", fmt.Errorf("snapshot: convert: %w", err)
	}
	return md, nil
}

// WriteSidecar writes the markdown rendition of content next to the stored
// snapshot at htmlPath, swapping the extension for .md. The write is atomic
// (tmp then rename). Returns the sidecar path.
func (p *Processor) WriteSidecar(htmlPath string, content []byte) (string, error) {
	md, err := p.Markdown(content)
	if err != nil {
		return "", err
	}
	target := sidecarPath(htmlPath)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write sidecar: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: rename sidecar: %w", err)
	}
	return target, nil
}

func sidecarPath(htmlPath string) string {
	if i := strings.LastIndex(htmlPath, "."); i > strings.LastIndexAny(htmlPath, `/\`) {
		return htmlPath[:i] + ".md"
	}
	return htmlPath + ".md"
}
