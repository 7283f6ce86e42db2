package schema

// Retry strategies.
const (
	RetryStrategyCount          = "count"
	RetryStrategyUntilCondition = "untilCondition"
)

// Delay strategies.
const (
	DelayFixed       = "fixed"
	DelayExponential = "exponential"
)

// RetryPolicy configures retry behavior for a step. Numeric and string
// fields are interpolated against the run context before each use.
type RetryPolicy struct {
	Enabled       bool           `json:"enabled"`
	Strategy      Expr           `json:"strategy,omitempty"` // count | untilCondition (default: count)
	Count         Expr           `json:"count,omitempty"`    // additional attempts after the first
	Condition     *ConditionSpec `json:"condition,omitempty"`
	Delay         Expr           `json:"delay,omitempty"`         // ms
	DelayStrategy Expr           `json:"delayStrategy,omitempty"` // fixed | exponential (default: fixed)
	MaxDelay      Expr           `json:"maxDelay,omitempty"`      // ms, 0 = uncapped
	FailSilently  bool           `json:"failSilently,omitempty"`
}

// Wait strategies and placements.
const (
	WaitParallel   = "parallel"
	WaitSequential = "sequential"

	TimingBefore = "before"
	TimingAfter  = "after"
)

// WaitSpec declares the readiness conditions that gate a step.
type WaitSpec struct {
	Selector          string `json:"selector,omitempty"`
	SelectorKind      string `json:"selectorKind,omitempty"`  // css | xpath | text | role | testid
	SelectorState     string `json:"selectorState,omitempty"` // visible | hidden | attached | detached (default: visible)
	SelectorTimeout   Expr   `json:"selectorTimeout,omitempty"`
	URL               string `json:"url,omitempty"`
	URLTimeout        Expr   `json:"urlTimeout,omitempty"`
	Expression        string `json:"expression,omitempty"`
	ExpressionTimeout Expr   `json:"expressionTimeout,omitempty"`
	Strategy          string `json:"strategy,omitempty"` // parallel | sequential (default: parallel)
	Timing            string `json:"timing,omitempty"`   // before | after
	FailSilently      bool   `json:"failSilently,omitempty"`
}

// Empty reports whether no wait condition is configured.
func (w *WaitSpec) Empty() bool {
	return w == nil || (w.Selector == "" && w.URL == "" && w.Expression == "")
}

// Condition types.
const (
	ConditionUIElement  = "ui-element"
	ConditionStatus     = "status"
	ConditionJSONPath   = "json-path"
	ConditionExpression = "expression"
	ConditionVariable   = "variable"
)

// UI element checks.
const (
	CheckVisible = "visible"
	CheckHidden  = "hidden"
	CheckExists  = "exists"
)

// String match kinds.
const (
	MatchEquals     = "equals"
	MatchContains   = "contains"
	MatchStartsWith = "startsWith"
	MatchEndsWith   = "endsWith"
	MatchRegex      = "regex"
)

// Comparison operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "notEquals"
	OpGreaterThan    = "greaterThan"
	OpLessThan       = "lessThan"
	OpGreaterOrEqual = "greaterOrEqual"
	OpLessOrEqual    = "lessOrEqual"
)

// ConditionSpec is a tagged union selected by Type. Only the fields of the
// selected variant are read.
type ConditionSpec struct {
	Type string `json:"type"`

	// ui-element
	Locator     string `json:"locator,omitempty"`
	LocatorKind string `json:"locatorKind,omitempty"`
	Check       string `json:"check,omitempty"`

	// status, json-path
	ConnectionKey  string `json:"connectionKey,omitempty"`
	ExpectedStatus Expr   `json:"expectedStatus,omitempty"`

	// json-path
	Path          string `json:"path,omitempty"`
	Expected      any    `json:"expected,omitempty"`
	MatchKind     string `json:"matchKind,omitempty"`
	CaseSensitive *bool  `json:"caseSensitive,omitempty"`

	// expression
	Code string `json:"code,omitempty"`

	// variable
	Name     string `json:"name,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	// ui-element polling window; total budget for untilCondition retries.
	Timeout Expr `json:"timeout,omitempty"`
}

// IsCaseSensitive defaults to true when unset.
func (c *ConditionSpec) IsCaseSensitive() bool {
	return c.CaseSensitive == nil || *c.CaseSensitive
}

// Describe names the condition for log lines and timeout errors.
func (c *ConditionSpec) Describe() string {
	switch c.Type {
	case ConditionUIElement:
		return c.Type + " " + c.Locator
	case ConditionStatus, ConditionJSONPath:
		return c.Type + " " + c.ConnectionKey
	case ConditionVariable:
		return c.Type + " " + c.Name
	}
	return c.Type
}
