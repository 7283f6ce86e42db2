// Package target defines the narrow surface the engine needs from an
// automation target (a browser page or equivalent). Concrete drivers live
// outside this module; the engine only ever talks to these interfaces.
package target

import "context"

// Locator identifies an element on a page.
type Locator struct {
	Value string `json:"value"`
	Kind  string `json:"kind,omitempty"` // css | xpath | text | role | testid (default: css)
}

func (l Locator) String() string {
	if l.Kind == "" || l.Kind == "css" {
		return l.Value
	}
	return l.Kind + "=" + l.Value
}

// Element wait states.
const (
	StateVisible  = "visible"
	StateHidden   = "hidden"
	StateAttached = "attached"
	StateDetached = "detached"
)

// ElementState is a point-in-time snapshot of one element.
type ElementState struct {
	Exists   bool `json:"exists"`
	Visible  bool `json:"visible"`
	Enabled  bool `json:"enabled"`
	Checked  bool `json:"checked"`
	Editable bool `json:"editable"`
	Focused  bool `json:"focused"`
}

// Cookie is a browser cookie as seen by the page.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Page is the automation target the run context carries as its current
// handle. Blocking calls must honor ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Interact(ctx context.Context, loc Locator, action string, value string) error

	URL(ctx context.Context) (string, error)
	Text(ctx context.Context, loc Locator) (string, error)
	InputValue(ctx context.Context, loc Locator) (string, error)
	Attribute(ctx context.Context, loc Locator, name string) (string, bool, error)
	State(ctx context.Context, loc Locator) (ElementState, error)
	ComputedStyle(ctx context.Context, loc Locator, property string) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Storage(ctx context.Context, area string, key string) (string, bool, error)

	// Evaluate runs code in the page runtime and returns its result.
	Evaluate(ctx context.Context, code string) (any, error)

	// WaitForSelector blocks until the element reaches state or ctx ends.
	WaitForSelector(ctx context.Context, loc Locator, state string) error
	// WaitForURL blocks until the page URL matches pattern or ctx ends.
	WaitForURL(ctx context.Context, pattern string) error
	// WaitForFunction blocks until code evaluates truthy or ctx ends.
	WaitForFunction(ctx context.Context, code string) error
}

// Launcher opens isolated sub-contexts (tabs, incognito contexts).
type Launcher interface {
	NewPage(ctx context.Context, name string) (Page, error)
}
