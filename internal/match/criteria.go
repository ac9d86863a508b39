// Package match decides whether a resource change is relevant to a
// subscription. Pure and synchronous: it runs inline with the resource
// write, so no I/O happens here.
package match

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"carehooks/internal/domain"
)

// MatchesCriteria reports whether the change event matches the subscription's
// criteria: resource type, optional search filter, optional interaction
// restriction, and optional previous/current predicate.
//
// Evaluating the same (event, subscription) pair twice yields the same
// decision.
func MatchesCriteria(event *domain.ChangeEvent, sub *domain.Subscription, log *slog.Logger) bool {
	if sub.AccountID != "" && sub.AccountID != event.AccountID {
		log.Debug("ignore resource in different account compartment", "subscription", sub.ID)
		return false
	}

	if sub.Channel.Type != domain.ChannelTypeRestHook || sub.Channel.Endpoint == "" {
		log.Debug("ignore subscription without usable channel", "subscription", sub.ID)
		return false
	}

	if sub.Criteria == "" {
		log.Debug("ignore subscription missing criteria", "subscription", sub.ID)
		return false
	}

	resourceType, filters, err := ParseCriteria(sub.Criteria)
	if err != nil {
		log.Debug("ignore subscription with malformed criteria", "subscription", sub.ID, "error", err)
		return false
	}
	if resourceType != event.ResourceType {
		return false
	}

	if sub.CriteriaExpression != "" {
		current := event.Resource
		if event.Interaction == domain.InteractionDelete {
			// A delete synthesizes an empty current state.
			current = map[string]any{}
		}
		ok, err := EvalPredicate(sub.CriteriaExpression, event.Previous, current)
		if err != nil {
			// A predicate that cannot be evaluated never matches.
			log.Debug("criteria expression failed", "subscription", sub.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}

	if sub.SupportedInteraction != "" && sub.SupportedInteraction != event.Interaction {
		return false
	}

	return matchesFilters(event.Resource, filters)
}

// ParseCriteria splits a criteria string into its resource type and optional
// search filter, e.g. "Patient?name=Smith&active=true".
func ParseCriteria(criteria string) (string, url.Values, error) {
	resourceType, query, _ := strings.Cut(criteria, "?")
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return "", nil, fmt.Errorf("criteria missing resource type")
	}
	if query == "" {
		return resourceType, nil, nil
	}
	filters, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("parse criteria filter: %w", err)
	}
	return resourceType, filters, nil
}

// matchesFilters checks every filter parameter against the resource body.
// Parameter names address body values; dots descend into nested objects, and
// a slice matches when any element matches.
func matchesFilters(resource map[string]any, filters url.Values) bool {
	for name, values := range filters {
		matched := false
		for _, want := range values {
			if valueMatches(lookup(resource, strings.Split(name, ".")), want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func lookup(value any, path []string) any {
	for _, segment := range path {
		switch v := value.(type) {
		case map[string]any:
			value = v[segment]
		case []any:
			var out []any
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if inner, ok := m[segment]; ok {
						out = append(out, inner)
					}
				}
			}
			value = out
		default:
			return nil
		}
	}
	return value
}

func valueMatches(got any, want string) bool {
	switch v := got.(type) {
	case nil:
		return false
	case []any:
		for _, item := range v {
			if valueMatches(item, want) {
				return true
			}
		}
		return false
	case string:
		return v == want
	case bool:
		return fmt.Sprintf("%v", v) == want
	case float64:
		// JSON numbers decode as float64; compare canonical text.
		return strconv.FormatFloat(v, 'f', -1, 64) == want
	default:
		return fmt.Sprintf("%v", v) == want
	}
}
