package schemas

// -- Tool Description Schemas --

// ParameterSpec describes a single tool parameter for the planning prompt and
// for validation.
type ParameterSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolSchema is the self-description a tool exposes to the planner. The
// planner folds these into the system prompt so the oracle only ever proposes
// tools that actually exist.
type ToolSchema struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ParameterSpec `json:"parameters"`
	// Destructive marks tools whose effects reach outside the browser
	// sandbox. The engine gates destructive steps behind the confirmation
	// protocol even when the plan forgot to ask for it.
	Destructive bool `json:"destructive,omitempty"`
}

// -- Page Structure Schemas --

// PageElement is one interactive element discovered by structural analysis.
// Selector is always a usable CSS selector; the remaining fields are matching
// signals for entity synthesis and candidate ranking.
type PageElement struct {
	Selector    string `json:"selector"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Text        string `json:"text,omitempty"`
	Href        string `json:"href,omitempty"`
}

// PageAnalysis is the structured outcome of analyze_page_structure. The
// engine folds it into the execution context so later repair and synthesis do
// not need to re-query the page.
type PageAnalysis struct {
	URL     string        `json:"url"`
	Title   string        `json:"title"`
	Forms   []PageElement `json:"forms"`
	Inputs  []PageElement `json:"inputs"`
	Buttons []PageElement `json:"buttons"`
	Links   []PageElement `json:"links"`
}

// InteractiveElements returns the inputs and buttons in one slice, the
// candidate pool for element re-matching.
func (a *PageAnalysis) InteractiveElements() []PageElement {
	if a == nil {
		return nil
	}
	out := make([]PageElement, 0, len(a.Inputs)+len(a.Buttons))
	out = append(out, a.Inputs...)
	out = append(out, a.Buttons...)
	return out
}
