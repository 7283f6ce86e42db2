// Package targettest provides an in-memory target.Page for tests.
package targettest

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/target"
)

// Element is the fake state of one element.
type Element struct {
	State      target.ElementState
	Text       string
	Value      string
	Attributes map[string]string
	Styles     map[string]string
}

// Page is a scriptable target.Page. Zero value is usable.
type Page struct {
	mu sync.Mutex

	url      string
	elements map[string]*Element
	cookies  []target.Cookie
	storage  map[string]map[string]string

	// EvalFunc answers Evaluate and WaitForFunction.
	EvalFunc func(code string) (any, error)
	// Delays makes the matching wait (keyed by locator value, url pattern,
	// or code) resolve only after the given duration.
	Delays map[string]time.Duration

	Navigations  []string
	Interactions []string
}

// New returns a page at url.
func New(url string) *Page {
	return &Page{url: url}
}

// SetURL changes the current URL.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// SetElement installs or replaces the element at locator value sel.
func (p *Page) SetElement(sel string, el Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.elements == nil {
		p.elements = make(map[string]*Element)
	}
	el.State.Exists = true
	p.elements[sel] = &el
}

// SetCookie adds a cookie.
func (p *Page) SetCookie(c target.Cookie) {
	p.mu.Lock()
	p.cookies = append(p.cookies, c)
	p.mu.Unlock()
}

// SetStorage sets a local/session storage entry.
func (p *Page) SetStorage(area, key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage == nil {
		p.storage = make(map[string]map[string]string)
	}
	if p.storage[area] == nil {
		p.storage[area] = make(map[string]string)
	}
	p.storage[area][key] = value
}

func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.Navigations = append(p.Navigations, url)
	return nil
}

func (p *Page) Interact(_ context.Context, loc target.Locator, action, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[loc.Value]
	if !ok {
		return fmt.Errorf("element %s not found", loc)
	}
	if action == "fill" {
		el.Value = value
	}
	p.Interactions = append(p.Interactions, action+" "+loc.String())
	return nil
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Text(_ context.Context, loc target.Locator) (string, error) {
	el, err := p.element(loc)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (p *Page) InputValue(_ context.Context, loc target.Locator) (string, error) {
	el, err := p.element(loc)
	if err != nil {
		return "", err
	}
	return el.Value, nil
}

func (p *Page) Attribute(_ context.Context, loc target.Locator, name string) (string, bool, error) {
	el, err := p.element(loc)
	if err != nil {
		return "", false, err
	}
	v, ok := el.Attributes[name]
	return v, ok, nil
}

func (p *Page) State(_ context.Context, loc target.Locator) (target.ElementState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[loc.Value]
	if !ok {
		return target.ElementState{}, nil
	}
	return el.State, nil
}

func (p *Page) ComputedStyle(_ context.Context, loc target.Locator, property string) (string, error) {
	el, err := p.element(loc)
	if err != nil {
		return "", err
	}
	return el.Styles[property], nil
}

func (p *Page) Cookies(context.Context) ([]target.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]target.Cookie(nil), p.cookies...), nil
}

func (p *Page) Storage(_ context.Context, area, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.storage[area][key]
	return v, ok, nil
}

func (p *Page) Evaluate(_ context.Context, code string) (any, error) {
	if p.EvalFunc == nil {
		return nil, fmt.Errorf("no runtime for %q", code)
	}
	return p.EvalFunc(code)
}

func (p *Page) WaitForSelector(ctx context.Context, loc target.Locator, state string) error {
	return p.poll(ctx, loc.Value, func() bool {
		st, _ := p.State(ctx, loc)
		switch state {
		case target.StateHidden:
			return !st.Visible
		case target.StateDetached:
			return !st.Exists
		case target.StateAttached:
			return st.Exists
		default:
			return st.Visible
		}
	})
}

func (p *Page) WaitForURL(ctx context.Context, pattern string) error {
	return p.poll(ctx, pattern, func() bool {
		u, _ := p.URL(ctx)
		ok, _ := path.Match(pattern, u)
		return ok || u == pattern
	})
}

func (p *Page) WaitForFunction(ctx context.Context, code string) error {
	return p.poll(ctx, code, func() bool {
		v, err := p.Evaluate(ctx, code)
		return err == nil && v == true
	})
}

func (p *Page) poll(ctx context.Context, key string, ready func() bool) error {
	if d, ok := p.Delays[key]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ready() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Page) element(loc target.Locator) (*Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[loc.Value]
	if !ok {
		return nil, fmt.Errorf("element %s not found", loc)
	}
	return el, nil
}

// Launcher hands out fresh pages and remembers them by name.
type Launcher struct {
	mu    sync.Mutex
	Pages map[string]*Page
}

func (l *Launcher) NewPage(_ context.Context, name string) (target.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Pages == nil {
		l.Pages = make(map[string]*Page)
	}
	p := New("about:blank")
	l.Pages[name] = p
	return p, nil
}
