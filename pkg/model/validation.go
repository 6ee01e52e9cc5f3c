package model

import (
	"fmt"
	"strings"

	"github.com/gorhill/cronexpr"
)

// ValidateRecipientDomains checks every recipient against the allowed domain
// list. An empty list allows everything. Entries of the form "*.example.com"
// match example.com and any of its subdomains.
func ValidateRecipientDomains(recipients Recipients, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}

	for _, list := range [][]string{recipients.To, recipients.CC, recipients.BCC} {
		for _, email := range list {
			email = strings.TrimSpace(email)
			if email == "" {
				continue
			}

			domain := emailDomain(email)
			if domain == "" {
				return fmt.Errorf("%w: invalid email address format: %s", ErrInvalidConfig, email)
			}
			if !domainAllowed(domain, allowedDomains) {
				return fmt.Errorf("%w: email domain '%s' is not allowed (email: %s). Allowed domains: %v",
					ErrInvalidConfig, domain, email, allowedDomains)
			}
		}
	}
	return nil
}

func emailDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parts[1]))
}

func domainAllowed(domain string, allowedDomains []string) bool {
	domain = strings.ToLower(domain)
	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if domain == allowed {
			return true
		}
		if base, ok := strings.CutPrefix(allowed, "*."); ok {
			if domain == base || strings.HasSuffix(domain, "."+base) {
				return true
			}
		}
	}
	return false
}

// ValidateCronExpression reports whether expr parses as a cron expression.
func ValidateCronExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: cron expression cannot be empty", ErrInvalidConfig)
	}
	if _, err := cronexpr.Parse(expr); err != nil {
		return fmt.Errorf("%w: invalid cron expression '%s': %v", ErrInvalidConfig, expr, err)
	}
	return nil
}

// ResolveCronExpression returns the explicit expression, or the one implied by
// intervalType when none is set. Unknown interval types fall back to daily.
func ResolveCronExpression(expr, intervalType string) string {
	if strings.TrimSpace(expr) != "" {
		return expr
	}
	switch intervalType {
	case "weekly":
		return "0 0 * * 1"
	case "monthly":
		return "0 0 1 * *"
	default:
		return "0 0 * * *"
	}
}

// EffectiveCron is the cron expression the schedule fires on
func (s *Schedule) EffectiveCron() string {
	return ResolveCronExpression(s.CronExpression, s.IntervalType)
}

// ValidateLayout rejects layouts the composer could not place.
func ValidateLayout(l *Layout) error {
	if l == nil {
		return fmt.Errorf("%w: layout is required", ErrInvalidConfig)
	}
	if l.Rows <= 0 || l.Columns <= 0 {
		return fmt.Errorf("%w: layout grid must have positive rows and columns (got %dx%d)",
			ErrInvalidConfig, l.Rows, l.Columns)
	}
	for i, p := range l.Panels {
		if p.DashboardUID == "" {
			return fmt.Errorf("%w: panel %d has no dashboard uid", ErrInvalidConfig, i)
		}
		if p.X < 0 || p.Y < 0 {
			return fmt.Errorf("%w: panel %d has a negative grid position", ErrInvalidConfig, i)
		}
		if p.W < 1 || p.H < 1 {
			return fmt.Errorf("%w: panel %d must span at least one cell", ErrInvalidConfig, i)
		}
		if p.X+p.W > l.Columns {
			return fmt.Errorf("%w: panel %d spans columns %d-%d beyond the %d-column grid",
				ErrInvalidConfig, i, p.X, p.X+p.W-1, l.Columns)
		}
		if p.Y%l.Rows+p.H > l.Rows {
			return fmt.Errorf("%w: panel %d at row %d with height %d runs off its page of %d rows",
				ErrInvalidConfig, i, p.Y, p.H, l.Rows)
		}
	}
	return nil
}

// ValidateNotification checks a notification config. mailConfigured tells
// whether a delivery backend exists at all.
func ValidateNotification(n NotificationConfig, mailConfigured bool, allowedDomains []string) error {
	if !n.Enabled {
		return nil
	}
	if n.Recipients.Count() == 0 {
		return fmt.Errorf("%w: notification enabled without recipients", ErrInvalidConfig)
	}
	if !mailConfigured {
		return fmt.Errorf("%w: notification enabled but no mail backend is configured", ErrInvalidConfig)
	}
	return ValidateRecipientDomains(n.Recipients, allowedDomains)
}
