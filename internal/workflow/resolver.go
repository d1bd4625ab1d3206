package workflow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Resolver selects routes and merges voice settings. It is pure and
// read-only over its store.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// NormalizeNumber strips a called number down to digits plus "+#*".
func NormalizeNumber(number string) string {
	var b strings.Builder
	for _, ch := range number {
		if (ch >= '0' && ch <= '9') || ch == '+' || ch == '#' || ch == '*' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// Resolve returns the full call context for a called number on a SIP
// account. Returns ErrNoRoute when no definition or route applies.
func (r *Resolver) Resolve(phoneNumber string, accountID int64) (*CallContext, error) {
	normalized := NormalizeNumber(phoneNumber)
	if normalized != phoneNumber {
		slog.Info("[Workflow] Incoming number normalized", "from", phoneNumber, "to", normalized)
	}

	definition, err := r.store.DefinitionForAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow for account %d: %w", accountID, err)
	}
	if definition == nil {
		slog.Warn("[Workflow] No workflow bound to SIP account", "account_id", accountID)
		return nil, ErrNoRoute
	}

	settings := r.store.VoiceSettings()

	telephony := definition.Telephony
	if telephony == nil {
		// Workflow without telephony routing: answer every number with
		// the global voice settings.
		return r.buildContext(definition, nil, nil, normalized, phoneNumber, settings), nil
	}

	route := matchRoute(telephony, normalized)
	if route == nil {
		slog.Warn("[Workflow] No route matches incoming number",
			"number", normalized,
			"workflow", definition.Slug)
		return nil, ErrNoRoute
	}

	slog.Info("[Workflow] Route selected",
		"number", normalized,
		"label", route.Label,
		"workflow", firstNonEmpty(route.WorkflowSlug, definition.Slug),
		"priority", route.Priority)

	selected := definition
	if route.WorkflowSlug != "" && route.WorkflowSlug != definition.Slug {
		selected, err = r.store.DefinitionBySlug(route.WorkflowSlug)
		if err != nil || selected == nil {
			slog.Error("[Workflow] Route references missing workflow",
				"slug", route.WorkflowSlug, "error", err)
			return nil, ErrNoRoute
		}
	}

	return r.buildContext(selected, telephony, route, normalized, phoneNumber, settings), nil
}

func (r *Resolver) buildContext(
	definition *Definition,
	telephony *StartConfig,
	route *RouteConfig,
	normalized, original string,
	settings VoiceSettings,
) *CallContext {
	ctx := &CallContext{
		Definition:       definition,
		NormalizedNumber: normalized,
		OriginalNumber:   original,
		Route:            route,
		Model:            settings.Model,
		Instructions:     settings.Instructions,
		Voice:            settings.Voice,
		PromptVariables:  map[string]string{},
	}
	for k, v := range settings.PromptVariables {
		ctx.PromptVariables[k] = v
	}

	if telephony != nil {
		ctx.RingTimeoutSeconds = telephony.RingTimeoutSeconds
		ctx.SpeakFirst = telephony.SpeakFirst
		ctx.ProviderID = telephony.ProviderID
		ctx.ProviderSlug = telephony.ProviderSlug
		ctx.Tools = append(ctx.Tools, telephony.Tools...)
	}
	// The selected definition's own telephony block wins when the route
	// switched workflows.
	if definition.Telephony != nil && definition.Telephony != telephony {
		ctx.RingTimeoutSeconds = definition.Telephony.RingTimeoutSeconds
		ctx.SpeakFirst = definition.Telephony.SpeakFirst
		if definition.Telephony.ProviderID != "" {
			ctx.ProviderID = definition.Telephony.ProviderID
		}
		if definition.Telephony.ProviderSlug != "" {
			ctx.ProviderSlug = definition.Telephony.ProviderSlug
		}
		if len(definition.Telephony.Tools) > 0 {
			ctx.Tools = append([]Tool(nil), definition.Telephony.Tools...)
		}
	}

	if route != nil {
		if route.Overrides.Model != "" {
			ctx.Model = route.Overrides.Model
		}
		if route.Overrides.Instructions != "" {
			ctx.Instructions = route.Overrides.Instructions
		}
		if route.Overrides.Voice != "" {
			ctx.Voice = route.Overrides.Voice
		}
		for k, v := range route.Overrides.PromptVariables {
			ctx.PromptVariables[k] = v
		}
	}

	return ctx
}

// matchRoute applies the selection order: exact number match first, then
// the longest matching prefix, then the explicit default route.
func matchRoute(config *StartConfig, normalized string) *RouteConfig {
	if len(config.Routes) == 0 && config.DefaultRoute == nil {
		return nil
	}

	// Stable sort keeps configuration order for equal priorities, so the
	// first configured route wins on ties.
	routes := make([]*RouteConfig, 0, len(config.Routes))
	for i := range config.Routes {
		routes = append(routes, &config.Routes[i])
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority < routes[j].Priority
	})

	var exact []*RouteConfig
	type prefixMatch struct {
		length int
		route  *RouteConfig
	}
	var prefixes []prefixMatch

	for _, route := range routes {
		if normalized != "" && containsNumber(route.PhoneNumbers, normalized) {
			exact = append(exact, route)
			continue
		}
		longest := 0
		for _, prefix := range route.Prefixes {
			if prefix == "" {
				continue
			}
			if strings.HasPrefix(normalized, prefix) && len(prefix) > longest {
				longest = len(prefix)
			}
		}
		if longest > 0 {
			prefixes = append(prefixes, prefixMatch{length: longest, route: route})
		}
	}

	if len(exact) > 1 {
		slog.Info("[Workflow] Multiple exact route matches, first configured wins",
			"number", normalized, "matches", len(exact))
	}
	if len(exact) > 0 {
		return exact[0]
	}

	if len(prefixes) > 0 {
		sort.SliceStable(prefixes, func(i, j int) bool {
			if prefixes[i].length != prefixes[j].length {
				return prefixes[i].length > prefixes[j].length
			}
			return prefixes[i].route.Priority < prefixes[j].route.Priority
		})
		return prefixes[0].route
	}

	return config.DefaultRoute
}

func containsNumber(numbers []string, target string) bool {
	for _, n := range numbers {
		if n == target {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
