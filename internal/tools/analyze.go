package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

const (
	// maxElementsPerKind bounds each element list in the analysis. The
	// result is injected into oracle prompts, so a link farm must not be
	// able to flood the context window.
	maxElementsPerKind = 60
	// maxTextLen bounds the text captured per element.
	maxTextLen = 80
)

// AnalyzeTool extracts the interactive structure of the current page: forms,
// inputs, buttons and links, each with a usable CSS selector. The engine
// stores the result as the page snapshot that re-analysis repair and entity
// synthesis work from.
type AnalyzeTool struct {
	browserTool
}

func (AnalyzeTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "analyze_page_structure",
		Description: "Analyze the current page and list its forms, input fields, buttons and links with CSS selectors.",
		Parameters:  map[string]schemas.ParameterSpec{},
	}
}

func (AnalyzeTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	markup, err := session.OuterHTML(ctx)
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	loc, err := session.Location(ctx)
	if err != nil {
		loc = ""
	}

	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return schemas.FailResult(fmt.Sprintf("failed to parse page markup: %v", err))
	}

	analysis := analyzeDocument(loc, doc)
	return schemas.OkResult(
		analysis,
		fmt.Sprintf("Analyzed page: %d forms, %d inputs, %d buttons, %d links",
			len(analysis.Forms), len(analysis.Inputs), len(analysis.Buttons), len(analysis.Links)),
	)
}

// analyzeDocument walks a parsed document and collects its interactive
// elements.
func analyzeDocument(pageURL string, doc *html.Node) *schemas.PageAnalysis {
	az := &analyzer{
		labelFor:   make(map[string]string),
		nameCounts: make(map[string]int),
	}
	az.prescan(doc)

	analysis := &schemas.PageAnalysis{
		URL:     pageURL,
		Forms:   []schemas.PageElement{},
		Inputs:  []schemas.PageElement{},
		Buttons: []schemas.PageElement{},
		Links:   []schemas.PageElement{},
	}
	az.collect(doc, analysis)
	return analysis
}

// analyzer carries the cross-element indexes a single analysis pass needs:
// label associations and name uniqueness counts for selector generation.
type analyzer struct {
	labelFor   map[string]string
	nameCounts map[string]int
}

// prescan indexes label-for associations and counts name attribute usage so
// collect can build unambiguous selectors in one pass.
func (az *analyzer) prescan(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "label":
			if forID := attr(n, "for"); forID != "" {
				if text := innerText(n); text != "" {
					az.labelFor[forID] = text
				}
			}
		case "input", "textarea", "select", "button":
			if name := attr(n, "name"); name != "" {
				az.nameCounts[n.Data+"\x00"+name]++
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		az.prescan(c)
	}
}

func (az *analyzer) collect(n *html.Node, analysis *schemas.PageAnalysis) {
	if n.Type == html.ElementNode {
		// A hidden container hides everything under it.
		if isStaticallyHidden(n) {
			return
		}
		switch n.Data {
		case "title":
			if analysis.Title == "" {
				analysis.Title = innerText(n)
			}
		case "form":
			appendCapped(&analysis.Forms, schemas.PageElement{
				Selector: az.selectorFor(n),
				Tag:      "form",
				Name:     attr(n, "name"),
				ID:       attr(n, "id"),
			})
		case "input":
			inputType := strings.ToLower(attr(n, "type"))
			if inputType == "" {
				inputType = "text"
			}
			switch inputType {
			case "hidden":
				// Not interactable.
			case "submit", "button", "image", "reset":
				appendCapped(&analysis.Buttons, az.buttonElement(n, inputType))
			default:
				appendCapped(&analysis.Inputs, az.inputElement(n, inputType))
			}
		case "textarea", "select":
			appendCapped(&analysis.Inputs, az.inputElement(n, n.Data))
		case "button":
			appendCapped(&analysis.Buttons, az.buttonElement(n, "button"))
		case "a":
			if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "javascript:") {
				appendCapped(&analysis.Links, schemas.PageElement{
					Selector: az.selectorFor(n),
					Tag:      "a",
					ID:       attr(n, "id"),
					Text:     innerText(n),
					Href:     href,
				})
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		az.collect(c, analysis)
	}
}

func (az *analyzer) inputElement(n *html.Node, inputType string) schemas.PageElement {
	id := attr(n, "id")
	return schemas.PageElement{
		Selector:    az.selectorFor(n),
		Tag:         n.Data,
		Type:        inputType,
		Name:        attr(n, "name"),
		ID:          id,
		Label:       az.labelText(n, id),
		Placeholder: attr(n, "placeholder"),
	}
}

func (az *analyzer) buttonElement(n *html.Node, inputType string) schemas.PageElement {
	text := innerText(n)
	if text == "" {
		text = attr(n, "value")
	}
	if text == "" {
		text = attr(n, "aria-label")
	}
	return schemas.PageElement{
		Selector: az.selectorFor(n),
		Tag:      n.Data,
		Type:     inputType,
		Name:     attr(n, "name"),
		ID:       attr(n, "id"),
		Text:     text,
	}
}

// labelText resolves the human-readable label of a form control: an explicit
// <label for=...>, a wrapping <label>, or the aria-label attribute.
func (az *analyzer) labelText(n *html.Node, id string) string {
	if id != "" {
		if text, ok := az.labelFor[id]; ok {
			return text
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			return innerText(p)
		}
	}
	return attr(n, "aria-label")
}

// selectorFor builds a CSS selector for a node. Preference order: a clean id,
// a unique name attribute, then a structural path anchored at the nearest
// ancestor with an id.
func (az *analyzer) selectorFor(n *html.Node) string {
	if id := attr(n, "id"); isCSSIdentifier(id) {
		return "#" + id
	}
	if name := attr(n, "name"); name != "" && !strings.Contains(name, `"`) {
		if az.nameCounts[n.Data+"\x00"+name] == 1 {
			return fmt.Sprintf(`%s[name="%s"]`, n.Data, name)
		}
	}
	return cssPath(n)
}

// cssPath builds a structural selector by walking toward the root, emitting
// tag:nth-of-type segments. The walk stops early at the first ancestor with a
// clean id, which keeps paths short and resistant to page churn above the
// anchor.
func cssPath(n *html.Node) string {
	var segments []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); isCSSIdentifier(id) {
			segments = append([]string{"#" + id}, segments...)
			return strings.Join(segments, " > ")
		}

		seg := cur.Data
		if needsIndex(cur) {
			seg = fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, nthOfType(cur))
		}
		segments = append([]string{seg}, segments...)

		if cur.Data == "body" || cur.Data == "html" {
			break
		}
	}
	return strings.Join(segments, " > ")
}

// needsIndex reports whether the node has same-tag element siblings, in which
// case a bare tag segment would be ambiguous.
func needsIndex(n *html.Node) bool {
	if n.Parent == nil {
		return false
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c != n && c.Type == html.ElementNode && c.Data == n.Data {
			return true
		}
	}
	return false
}

// nthOfType returns the 1-based position of the node among same-tag element
// siblings, matching CSS nth-of-type semantics.
func nthOfType(n *html.Node) int {
	i := 1
	for c := n.Parent.FirstChild; c != nil && c != n; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == n.Data {
			i++
		}
	}
	return i
}

// isCSSIdentifier reports whether a value is safe to use in a selector
// without escaping. Ids that fail this test fall through to structural paths
// rather than producing selectors that need CSS escaping.
func isCSSIdentifier(s string) bool {
	if s == "" {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// isStaticallyHidden applies the hiding signals visible in static markup.
// Runtime styling cannot be seen here; the wait and click tools still verify
// live visibility before interacting.
func isStaticallyHidden(n *html.Node) bool {
	if attrPresent(n, "hidden") {
		return true
	}
	if attr(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ReplaceAll(attr(n, "style"), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func attrPresent(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

// innerText returns the node's text content with whitespace collapsed,
// truncated to maxTextLen.
func innerText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		if cur.Type == html.TextNode {
			sb.WriteString(cur.Data)
			sb.WriteString(" ")
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	text := strings.Join(strings.Fields(sb.String()), " ")
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	return text
}

func appendCapped(dst *[]schemas.PageElement, el schemas.PageElement) {
	if len(*dst) >= maxElementsPerKind {
		return
	}
	*dst = append(*dst, el)
}
