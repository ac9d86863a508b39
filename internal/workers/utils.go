package workers

import (
	"log/slog"
	"strconv"
	"strings"

	"carehooks/internal/domain"
)

// DefaultMaxAttempts is the per-subscription delivery attempt ceiling when
// the subscription does not override it.
const DefaultMaxAttempts = 3

func maxAttempts(sub *domain.Subscription) int {
	if sub.MaxAttempts > 0 {
		return sub.MaxAttempts
	}
	return DefaultMaxAttempts
}

// IsJobSuccessful reports whether the webhook status code counts as a
// successful delivery. Without a custom success-code spec any 2xx succeeds.
//
// The spec is a comma-separated list of codes and inclusive ranges, e.g.
// "200,201,410-600". One invalid token invalidates the whole spec and the
// default applies; a partially honored spec would silently change which
// deliveries retry.
func IsJobSuccessful(sub *domain.Subscription, status int, log *slog.Logger) bool {
	spec := strings.TrimSpace(sub.SuccessCodes)
	if spec == "" {
		return status >= 200 && status < 300
	}

	type span struct{ lo, hi int }
	var spans []span
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if lo, hi, ok := parseCodeToken(token); ok {
			spans = append(spans, span{lo, hi})
			continue
		}
		log.Warn("invalid success code specification, using default",
			"subscription", sub.ID, "successCodes", sub.SuccessCodes, "token", token)
		return status >= 200 && status < 300
	}

	for _, s := range spans {
		if status >= s.lo && status <= s.hi {
			return true
		}
	}
	return false
}

func parseCodeToken(token string) (lo, hi int, ok bool) {
	if first, second, found := strings.Cut(token, "-"); found {
		low, err1 := strconv.Atoi(strings.TrimSpace(first))
		high, err2 := strconv.Atoi(strings.TrimSpace(second))
		if err1 != nil || err2 != nil || low > high {
			return 0, 0, false
		}
		return low, high, true
	}
	code, err := strconv.Atoi(token)
	if err != nil {
		return 0, 0, false
	}
	return code, code, true
}
